// Package engine runs the eligibility pipeline: targeting → experiment
// assignment → frequency cap reservation → priority resolution. It is
// stateless per request apart from the cap store, the assignment mirror, and
// the per-page-view display state.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/popgate/popgate/internal/campaign"
	"github.com/popgate/popgate/internal/config"
	"github.com/popgate/popgate/internal/discount"
	"github.com/popgate/popgate/internal/experiment"
	"github.com/popgate/popgate/internal/freqcap"
	"github.com/popgate/popgate/internal/metrics"
	"github.com/popgate/popgate/internal/resolver"
	"github.com/popgate/popgate/internal/signal"
	"github.com/popgate/popgate/internal/trigger"
	"github.com/popgate/popgate/internal/visitor"
)

// Outcome summarizes an evaluation for callers and metrics.
const (
	OutcomeShown          = "shown"
	OutcomeNoCampaign     = "no_campaign"
	OutcomeInvalidContext = "invalid_context"
	OutcomeTimeout        = "timeout"
)

// FireRef identifies a trigger fire the client observed.
type FireRef struct {
	CampaignID string `json:"campaign_id"`
	FireID     string `json:"fire_id"`
}

// Request is one eligibility evaluation.
type Request struct {
	Visitor *visitor.Context
	// Fires lists the campaigns whose triggers fired on this page view. When
	// empty, fires recorded server-side for the page view are used instead.
	Fires []FireRef
	// Tokens carries client-held sticky assignments: experiment ID → variant
	// key. A valid token always wins over recomputation.
	Tokens map[string]string
}

// SurfaceDecision is the winner for one display surface.
type SurfaceDecision struct {
	Surface          campaign.Surface `json:"surface"`
	CampaignID       string           `json:"campaign_id"`
	CampaignName     string           `json:"campaign_name"`
	ExperimentID     string           `json:"experiment_id,omitempty"`
	VariantKey       string           `json:"variant_key,omitempty"`
	FireID           string           `json:"fire_id"`
	RequiresDiscount bool             `json:"requires_discount"`
}

// Decision is the full evaluation result.
type Decision struct {
	Outcome    string            `json:"outcome"`
	Surfaces   []SurfaceDecision `json:"surfaces"`
	DurationMs int64             `json:"duration_ms"`
}

type evalWork struct {
	ctx     context.Context
	req     *Request
	resultC chan *Decision
}

// Engine evaluates eligibility requests against the current catalog.
type Engine struct {
	catalog  atomic.Pointer[campaign.Catalog]
	caps     freqcap.Store
	assigner *experiment.Assigner
	tracker  *resolver.Tracker
	detector *trigger.Detector
	fallback experiment.FallbackPolicy
	conf     config.EngineConf
	pool     *workerPool[*evalWork]

	firesMu sync.Mutex
	fires   map[string][]trigger.Fire // page view id → recorded fires
}

// New creates an Engine and starts its worker pool and the fire collector
// that drains the detector's channel.
func New(ctx context.Context, cat *campaign.Catalog, caps freqcap.Store, assigner *experiment.Assigner, det *trigger.Detector, conf config.EngineConf) *Engine {
	e := &Engine{
		caps:     caps,
		assigner: assigner,
		tracker:  resolver.NewTracker(),
		detector: det,
		fallback: experiment.FallbackPolicy(conf.FallbackPolicy),
		conf:     conf,
		fires:    make(map[string][]trigger.Fire),
	}
	e.catalog.Store(cat)
	e.pool = newWorkerPool(ctx, conf.EvalWorkers, conf.QueueDepth, func(ctx context.Context, w *evalWork) {
		w.resultC <- e.evaluate(w.ctx, w.req)
	})
	go e.collectFires(ctx)
	return e
}

// SwapCatalog atomically replaces the catalog (used on hot-reload). In-flight
// evaluations keep the snapshot they started with.
func (e *Engine) SwapCatalog(cat *campaign.Catalog) {
	e.catalog.Store(cat)
}

// Catalog returns the current catalog snapshot.
func (e *Engine) Catalog() *campaign.Catalog {
	return e.catalog.Load()
}

// Tracker exposes the display state machine (the API advances it on
// impression and interaction reports).
func (e *Engine) Tracker() *resolver.Tracker {
	return e.tracker
}

// Detector returns the trigger detector fed by the signals endpoint.
func (e *Engine) Detector() *trigger.Detector {
	return e.detector
}

// EvaluateSync runs an evaluation with a bounded wait. On queue saturation or
// timeout the shopper gets "no campaign", never an error page.
func (e *Engine) EvaluateSync(ctx context.Context, req *Request) *Decision {
	resultC := make(chan *Decision, 1)
	w := &evalWork{ctx: ctx, req: req, resultC: resultC}

	if !e.pool.Submit(w) {
		metrics.EvaluationsDropped.Inc()
		return &Decision{Outcome: OutcomeNoCampaign}
	}

	timeout := time.Duration(e.conf.EvalTimeoutMs) * time.Millisecond
	select {
	case res := <-resultC:
		return res
	case <-time.After(timeout):
		metrics.Decisions.WithLabelValues(OutcomeTimeout).Inc()
		return &Decision{Outcome: OutcomeTimeout}
	case <-ctx.Done():
		return &Decision{Outcome: OutcomeNoCampaign}
	}
}

// QueueUtilization returns queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	return float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
}

// Shutdown drains the evaluation pool gracefully.
func (e *Engine) Shutdown() {
	e.pool.Drain()
}

// Observe feeds one signal to the detector and records any resulting fires
// before returning, so an eligibility call issued right after a signal batch
// cannot miss them. Fires published on the detector channel are recorded too;
// recording is idempotent per fire id.
func (e *Engine) Observe(sig signal.Signal) []trigger.Fire {
	fires := e.detector.Observe(sig)
	for _, f := range fires {
		e.recordFire(f)
	}
	return fires
}

func (e *Engine) recordFire(f trigger.Fire) {
	e.firesMu.Lock()
	for _, g := range e.fires[f.PageViewID] {
		if g.FireID == f.FireID {
			e.firesMu.Unlock()
			return
		}
	}
	e.fires[f.PageViewID] = append(e.fires[f.PageViewID], f)
	e.firesMu.Unlock()
	metrics.TriggerFires.WithLabelValues(f.CampaignID).Inc()
}

// collectFires drains the detector channel into the per-page-view record so
// fires observed outside the signals endpoint are still picked up.
func (e *Engine) collectFires(ctx context.Context) {
	for {
		select {
		case f, ok := <-e.detector.Fires():
			if !ok {
				return
			}
			e.recordFire(f)
		case <-ctx.Done():
			return
		}
	}
}

// FiresFor returns the fires recorded for a page view.
func (e *Engine) FiresFor(pageViewID string) []FireRef {
	e.firesMu.Lock()
	defer e.firesMu.Unlock()
	fs := e.fires[pageViewID]
	out := make([]FireRef, 0, len(fs))
	for _, f := range fs {
		out = append(out, FireRef{CampaignID: f.CampaignID, FireID: f.FireID})
	}
	return out
}

// EndPageView tears down all per-page-view state: detector machines,
// recorded fires, and display states.
func (e *Engine) EndPageView(pageViewID string) {
	e.detector.EndPageView(pageViewID)
	e.tracker.EndPageView(pageViewID)
	e.firesMu.Lock()
	delete(e.fires, pageViewID)
	e.firesMu.Unlock()
}

// StartSweeper reclaims per-page-view state for pages idle longer than ttl,
// on an interval, until ctx is done. Most browsers never deliver the teardown
// beacon when a tab closes, so without the sweep abandoned page views would
// accumulate without bound. The cap store has its own sweeper.
func (e *Engine) StartSweeper(ctx context.Context, interval, ttl time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				e.sweepPageViews(time.Now().Add(-ttl))
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) sweepPageViews(cutoff time.Time) {
	for _, id := range e.detector.SweepIdle(cutoff) {
		e.tracker.EndPageView(id)
		e.firesMu.Lock()
		delete(e.fires, id)
		e.firesMu.Unlock()
	}
	// Fires and display states can outlive their detector entry (or never have
	// had one), so each map is aged out on its own clock as well.
	e.tracker.SweepIdle(cutoff)
	e.firesMu.Lock()
	for id, fs := range e.fires {
		if fs[len(fs)-1].At.Before(cutoff) {
			delete(e.fires, id)
		}
	}
	e.firesMu.Unlock()
}

func (e *Engine) evaluate(ctx context.Context, req *Request) *Decision {
	start := time.Now()
	metrics.Evaluations.Inc()

	vc := req.Visitor
	if err := vc.Validate(); err != nil {
		// Without identity, caps and stickiness cannot be honored; select
		// nothing.
		metrics.Decisions.WithLabelValues(OutcomeInvalidContext).Inc()
		return &Decision{Outcome: OutcomeInvalidContext, DurationMs: time.Since(start).Milliseconds()}
	}

	cat := e.catalog.Load()
	fires := req.Fires
	if len(fires) == 0 && vc.PageViewID != "" {
		fires = e.FiresFor(vc.PageViewID)
	}
	fireIDs := make(map[string]string, len(fires))
	for _, f := range fires {
		fireIDs[f.CampaignID] = f.FireID
	}

	// Stage 1: trigger fire + targeting + experiment membership.
	var candidates []resolver.Candidate
	for _, c := range cat.Campaigns() {
		fireID, fired := fireIDs[c.ID]
		if !fired {
			continue
		}
		if !c.Rules.Matches(vc) {
			continue
		}
		variantKey, ok := e.resolveVariant(ctx, cat, c, vc.VisitorID, req.Tokens)
		if !ok {
			continue
		}
		candidates = append(candidates, resolver.Candidate{
			Campaign:   c,
			VariantKey: variantKey,
			FireID:     fireID,
		})
	}

	// Stage 2: per surface, walk candidates in display order and reserve a
	// cap slot for the first one the store allows. Losing candidates consume
	// nothing.
	winners := e.arbitrate(ctx, vc, candidates)

	d := &Decision{DurationMs: time.Since(start).Milliseconds()}
	if len(winners) == 0 {
		d.Outcome = OutcomeNoCampaign
		metrics.Decisions.WithLabelValues(OutcomeNoCampaign).Inc()
		return d
	}
	d.Outcome = OutcomeShown
	for surface, w := range winners {
		sd := SurfaceDecision{
			Surface:          surface,
			CampaignID:       w.Campaign.ID,
			CampaignName:     w.Campaign.Name,
			VariantKey:       w.VariantKey,
			FireID:           w.FireID,
			RequiresDiscount: discount.Required(w.Campaign),
		}
		if w.Campaign.Exp != nil {
			sd.ExperimentID = w.Campaign.Exp.ExperimentID
		}
		d.Surfaces = append(d.Surfaces, sd)
		metrics.CampaignsSelected.WithLabelValues(w.Campaign.ID, string(surface)).Inc()
	}
	metrics.Decisions.WithLabelValues(OutcomeShown).Inc()
	metrics.EvaluationDuration.Observe(float64(d.DurationMs))
	return d
}

// resolveVariant decides whether the campaign is the visitor's arm of its
// experiment. Campaigns without an experiment always pass with an empty key.
func (e *Engine) resolveVariant(ctx context.Context, cat *campaign.Catalog, c *campaign.Campaign, visitorID string, tokens map[string]string) (string, bool) {
	if c.Exp == nil {
		return "", true
	}
	exp := cat.Experiment(c.Exp.ExperimentID)
	if exp == nil {
		// Reference validated at activation; a missing experiment here means
		// config skew. Skip rather than guess.
		return "", false
	}
	assigned, _ := e.assigner.Assign(ctx, exp, visitorID, tokens[exp.ID])

	// If the assigned variant's campaign is no longer live, apply the
	// fallback policy: move to control (never to another treatment), or drop
	// the experiment for this visitor.
	live := cat.CampaignsForExperiment(exp.ID)
	if live[assigned] == nil {
		if e.fallback != experiment.FallbackToControl {
			return "", false
		}
		control := exp.ControlKey()
		if control == "" || live[control] == nil {
			return "", false
		}
		assigned = control
	}

	if assigned != c.Exp.VariantKey {
		return "", false
	}
	return assigned, true
}

// arbitrate runs the frequency cap and priority resolution per surface,
// honoring the display state machine.
func (e *Engine) arbitrate(ctx context.Context, vc *visitor.Context, candidates []resolver.Candidate) map[campaign.Surface]resolver.Candidate {
	ranked := resolver.Rank(candidates)
	winners := make(map[campaign.Surface]resolver.Candidate)
	for surface, group := range ranked {
		if vc.PageViewID != "" && !e.tracker.BeginEvaluation(vc.PageViewID, surface) {
			continue
		}
		won := false
		for _, cand := range group {
			verdict, err := e.caps.CheckAndReserve(ctx, cand.Campaign.ID, vc.VisitorID, vc.SessionID, cand.Campaign.Cap)
			if err != nil {
				// Store contract is fail-open; an error here means no wrapper
				// was installed. Treat as allowed all the same.
				verdict = freqcap.Allowed
			}
			if !verdict.Allowed {
				metrics.CapDenials.WithLabelValues(string(verdict.Reason)).Inc()
				continue
			}
			winners[surface] = cand
			won = true
			break
		}
		if vc.PageViewID != "" {
			if won {
				_ = e.tracker.MarkSelected(vc.PageViewID, surface)
			} else {
				e.tracker.NoCandidate(vc.PageViewID, surface)
			}
		}
	}
	return winners
}
