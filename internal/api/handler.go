package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/popgate/popgate/internal/analytics"
	"github.com/popgate/popgate/internal/campaign"
	"github.com/popgate/popgate/internal/config"
	"github.com/popgate/popgate/internal/discount"
	"github.com/popgate/popgate/internal/engine"
	"github.com/popgate/popgate/internal/lead"
	"github.com/popgate/popgate/internal/metrics"
	"github.com/popgate/popgate/internal/signal"
	"github.com/popgate/popgate/internal/store"
	"github.com/popgate/popgate/internal/visitor"
)

const maxSignalBatch = 100

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng     *engine.Engine
	loader  *config.Loader
	ledger  *store.SQLiteStore
	emitter *analytics.Emitter
	leads   lead.Sink
	issuer  discount.Issuer
	mux     *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(eng *engine.Engine, loader *config.Loader, ledger *store.SQLiteStore, emitter *analytics.Emitter, leads lead.Sink, issuer discount.Issuer) http.Handler {
	h := &Handler{
		eng:     eng,
		loader:  loader,
		ledger:  ledger,
		emitter: emitter,
		leads:   leads,
		issuer:  issuer,
		mux:     http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/pageviews", h.startPageView)
	h.mux.HandleFunc("DELETE /v1/pageviews/{id}", h.endPageView)
	h.mux.HandleFunc("POST /v1/signals", h.ingestSignals)
	h.mux.HandleFunc("POST /v1/eligibility", h.eligibility)
	h.mux.HandleFunc("POST /v1/impressions", h.reportImpression)
	h.mux.HandleFunc("POST /v1/events", h.ingestEvent)
	h.mux.HandleFunc("POST /v1/leads", h.submitLead)
	h.mux.HandleFunc("POST /v1/discounts", h.issueDiscount)
	h.mux.HandleFunc("GET /v1/campaigns", h.listCampaigns)
	h.mux.HandleFunc("POST /v1/campaigns/reload", h.reloadCampaigns)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

// POST /v1/pageviews — register a page view and arm trigger detection.
func (h *Handler) startPageView(w http.ResponseWriter, r *http.Request) {
	var vc visitor.Context
	if err := json.NewDecoder(r.Body).Decode(&vc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if err := vc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if vc.PageViewID == "" {
		vc.PageViewID = uuid.New().String()
	}
	if vc.StartedAt.IsZero() {
		vc.StartedAt = time.Now()
	}
	h.eng.Detector().StartPageView(vc.PageViewID, &vc, h.eng.Catalog().Campaigns())
	writeJSON(w, http.StatusOK, map[string]any{
		"page_view_id": vc.PageViewID,
	})
}

// DELETE /v1/pageviews/{id} — navigation teardown: detector machines,
// recorded fires, and display state all go.
func (h *Handler) endPageView(w http.ResponseWriter, r *http.Request) {
	h.eng.EndPageView(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/signals — feed one signal or a batch into trigger detection.
// Responds with any trigger fires the batch produced.
func (h *Handler) ingestSignals(w http.ResponseWriter, r *http.Request) {
	sigs, err := decodeOneOrMany[signal.Signal](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(sigs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one signal is required")
		return
	}
	if len(sigs) > maxSignalBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(sigs), maxSignalBatch))
		return
	}

	var fires []engine.FireRef
	for i := range sigs {
		if sigs[i].ID == "" {
			sigs[i].ID = uuid.New().String()
		}
		if sigs[i].At.IsZero() {
			sigs[i].At = time.Now()
		}
		for _, f := range h.eng.Observe(sigs[i]) {
			fires = append(fires, engine.FireRef{CampaignID: f.CampaignID, FireID: f.FireID})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": len(sigs),
		"fires":    fires,
	})
}

type eligibilityRequest struct {
	Visitor     visitor.Context   `json:"visitor"`
	Fires       []engine.FireRef  `json:"fires,omitempty"`
	Assignments map[string]string `json:"assignments,omitempty"`
}

// POST /v1/eligibility — the decision call. Failures answer "no campaign";
// the storefront never sees an error page from here.
func (h *Handler) eligibility(w http.ResponseWriter, r *http.Request) {
	var req eligibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	d := h.eng.EvaluateSync(r.Context(), &engine.Request{
		Visitor: &req.Visitor,
		Fires:   req.Fires,
		Tokens:  req.Assignments,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"decision_id": uuid.New().String(),
		"outcome":     d.Outcome,
		"surfaces":    d.Surfaces,
		"duration_ms": d.DurationMs,
	})
}

type impressionRequest struct {
	CampaignID   string `json:"campaign_id"`
	VisitorID    string `json:"visitor_id"`
	SessionID    string `json:"session_id"`
	PageViewID   string `json:"page_view_id,omitempty"`
	Surface      string `json:"surface,omitempty"`
	FireID       string `json:"fire_id"`
	ExperimentID string `json:"experiment_id,omitempty"`
	VariantKey   string `json:"variant_key,omitempty"`
	PageURL      string `json:"page_url,omitempty"`
}

// POST /v1/impressions — idempotent per (campaign, visitor, fire). A retried
// report is acknowledged but never double-counted.
func (h *Handler) reportImpression(w http.ResponseWriter, r *http.Request) {
	var req impressionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.CampaignID == "" || req.VisitorID == "" || req.FireID == "" {
		writeError(w, http.StatusBadRequest, "campaign_id, visitor_id, and fire_id are required")
		return
	}

	recorded, err := h.ledger.RecordImpression(r.Context(), req.CampaignID, req.VisitorID, req.SessionID, req.FireID)
	if err != nil {
		// Ledger loss is tolerable; blocking the storefront is not.
		writeJSON(w, http.StatusOK, map[string]any{"recorded": false, "degraded": true})
		return
	}

	if recorded {
		metrics.ImpressionsRecorded.Inc()
		if req.PageViewID != "" && req.Surface != "" {
			_ = h.eng.Tracker().MarkShown(req.PageViewID, campaign.Surface(req.Surface))
		}
		h.emitter.Publish(&analytics.Event{
			ID:           uuid.New().String(),
			Type:         analytics.EventView,
			CampaignID:   req.CampaignID,
			ExperimentID: req.ExperimentID,
			VariantKey:   req.VariantKey,
			VisitorID:    req.VisitorID,
			SessionID:    req.SessionID,
			PageURL:      req.PageURL,
			Timestamp:    time.Now(),
		})
	} else {
		metrics.ImpressionsDeduped.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": recorded})
}

type eventRequest struct {
	Type         string `json:"type"`
	CampaignID   string `json:"campaign_id"`
	ExperimentID string `json:"experiment_id,omitempty"`
	VariantKey   string `json:"variant_key,omitempty"`
	VisitorID    string `json:"visitor_id"`
	SessionID    string `json:"session_id"`
	PageViewID   string `json:"page_view_id,omitempty"`
	Surface      string `json:"surface,omitempty"`
	PageURL      string `json:"page_url,omitempty"`
	Expired      bool   `json:"expired,omitempty"` // a CLOSE caused by auto-dismiss
}

// POST /v1/events — analytics ingestion. CLOSE and SUBMIT also advance the
// display state machine into its terminal states.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	typ := analytics.EventType(req.Type)
	if !analytics.KnownEventType(typ) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", req.Type))
		return
	}
	if req.CampaignID == "" {
		writeError(w, http.StatusBadRequest, "campaign_id is required")
		return
	}

	if req.PageViewID != "" && req.Surface != "" {
		surface := campaign.Surface(req.Surface)
		switch typ {
		case analytics.EventClose:
			if req.Expired {
				_ = h.eng.Tracker().Expire(req.PageViewID, surface)
			} else {
				_ = h.eng.Tracker().Close(req.PageViewID, surface)
			}
		case analytics.EventSubmit:
			_ = h.eng.Tracker().Convert(req.PageViewID, surface)
		}
	}

	h.emitter.Publish(&analytics.Event{
		ID:           uuid.New().String(),
		Type:         typ,
		CampaignID:   req.CampaignID,
		ExperimentID: req.ExperimentID,
		VariantKey:   req.VariantKey,
		VisitorID:    req.VisitorID,
		SessionID:    req.SessionID,
		PageURL:      req.PageURL,
		Timestamp:    time.Now(),
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// POST /v1/leads — validate and forward a form submission.
func (h *Handler) submitLead(w http.ResponseWriter, r *http.Request) {
	var sub lead.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub.At = time.Now()
	if err := h.leads.Submit(r.Context(), &sub); err != nil {
		writeError(w, http.StatusBadGateway, "lead forwarding failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type discountRequest struct {
	CampaignID string `json:"campaign_id"`
	VisitorID  string `json:"visitor_id"`
	SessionID  string `json:"session_id,omitempty"`
	PageURL    string `json:"page_url,omitempty"`
}

// POST /v1/discounts — issue a code for a campaign whose CTA requires one.
func (h *Handler) issueDiscount(w http.ResponseWriter, r *http.Request) {
	var req discountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	c := h.eng.Catalog().Campaign(req.CampaignID)
	if c == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown campaign %q", req.CampaignID))
		return
	}
	if !discount.Required(c) {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("campaign %q does not issue discount codes", req.CampaignID))
		return
	}
	code, err := h.issuer.Issue(r.Context(), req.CampaignID, req.VisitorID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "discount issuance failed")
		return
	}
	var expID, variantKey string
	if c.Exp != nil {
		expID = c.Exp.ExperimentID
		variantKey = c.Exp.VariantKey
	}
	h.emitter.Publish(&analytics.Event{
		ID:           uuid.New().String(),
		Type:         analytics.EventCouponIssued,
		CampaignID:   req.CampaignID,
		ExperimentID: expID,
		VariantKey:   variantKey,
		VisitorID:    req.VisitorID,
		SessionID:    req.SessionID,
		PageURL:      req.PageURL,
		Timestamp:    time.Now(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"code": code})
}

// GET /v1/campaigns — list the active catalog.
func (h *Handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	cat := h.eng.Catalog()
	type item struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Priority int    `json:"priority"`
		Surface  string `json:"surface"`
	}
	items := make([]item, 0, cat.Len())
	for _, c := range cat.Campaigns() {
		items = append(items, item{ID: c.ID, Name: c.Name, Priority: c.Priority, Surface: string(c.Surface)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   h.loader.Config().Version,
		"campaigns": items,
	})
}

// POST /v1/campaigns/reload — hot-reload campaign config from disk.
func (h *Handler) reloadCampaigns(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := config.Validate(cfg); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	cat, err := campaign.Build(cfg)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.eng.SwapCatalog(cat)
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":  true,
		"campaigns": cat.Len(),
	})
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz — 503 if the evaluation queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"queue_utilization": util,
	})
}

// decodeOneOrMany accepts either a single JSON object or a JSON array.
func decodeOneOrMany[T any](r *http.Request) ([]T, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	if len(raw) > 0 && raw[0] == '[' {
		var many []T
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}
