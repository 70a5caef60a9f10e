package engine

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/popgate/popgate/internal/campaign"
	"github.com/popgate/popgate/internal/config"
	"github.com/popgate/popgate/internal/experiment"
	"github.com/popgate/popgate/internal/freqcap"
	"github.com/popgate/popgate/internal/resolver"
	"github.com/popgate/popgate/internal/signal"
	"github.com/popgate/popgate/internal/trigger"
	"github.com/popgate/popgate/internal/visitor"
)

func testConf() config.EngineConf {
	return config.EngineConf{
		EvalWorkers:    2,
		QueueDepth:     16,
		EvalTimeoutMs:  1000,
		FallbackPolicy: string(experiment.FallbackToControl),
	}
}

func buildCatalog(t *testing.T, cfg *config.File) *campaign.Catalog {
	t.Helper()
	cat, err := campaign.Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return cat
}

func newTestEngine(t *testing.T, cat *campaign.Catalog, conf config.EngineConf) *Engine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e := New(ctx, cat,
		freqcap.NewMemStore(30*time.Minute),
		experiment.NewAssigner(nil, slog.Default()),
		trigger.NewDetector(slog.Default()),
		conf)
	t.Cleanup(e.Shutdown)
	return e
}

func shopper(pageViewID string) *visitor.Context {
	return &visitor.Context{
		VisitorID:  "v_1",
		SessionID:  "s_1",
		PageViewID: pageViewID,
		Device:     visitor.DeviceDesktop,
		PageURL:    "https://shop.example/",
	}
}

func pageLoadTriggers() config.TriggersDef {
	return config.TriggersDef{Rules: []config.TriggerRuleDef{{Type: "page_load"}}}
}

func TestEvaluateInvalidContext(t *testing.T) {
	e := newTestEngine(t, buildCatalog(t, &config.File{Version: "1"}), testConf())

	d := e.EvaluateSync(context.Background(), &Request{Visitor: &visitor.Context{}})
	if d.Outcome != OutcomeInvalidContext {
		t.Fatalf("outcome = %s, want invalid_context", d.Outcome)
	}
	if len(d.Surfaces) != 0 {
		t.Fatal("invalid context produced surface decisions")
	}
}

func TestEvaluateNoFiresNoCampaign(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cat := buildCatalog(t, &config.File{Version: "1", Campaigns: []config.CampaignDef{
		{ID: "cmp_1", Status: "active", Surface: "center_modal", CreatedAt: t0, Triggers: pageLoadTriggers()},
	}})
	e := newTestEngine(t, cat, testConf())

	d := e.EvaluateSync(context.Background(), &Request{Visitor: shopper("pv_1")})
	if d.Outcome != OutcomeNoCampaign {
		t.Fatalf("outcome = %s, want no_campaign without a trigger fire", d.Outcome)
	}
}

func TestEvaluatePriorityWinner(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cat := buildCatalog(t, &config.File{Version: "1", Campaigns: []config.CampaignDef{
		{ID: "cmp_low", Priority: 1, Status: "active", Surface: "center_modal", CreatedAt: t0, Triggers: pageLoadTriggers()},
		{ID: "cmp_high", Priority: 100, Status: "active", Surface: "center_modal", CreatedAt: t0, Triggers: pageLoadTriggers()},
		{ID: "cmp_banner", Priority: 1, Status: "active", Surface: "banner", CreatedAt: t0, Triggers: pageLoadTriggers()},
	}})
	e := newTestEngine(t, cat, testConf())

	d := e.EvaluateSync(context.Background(), &Request{
		Visitor: shopper("pv_1"),
		Fires: []FireRef{
			{CampaignID: "cmp_low", FireID: "f_low"},
			{CampaignID: "cmp_high", FireID: "f_high"},
			{CampaignID: "cmp_banner", FireID: "f_banner"},
		},
	})
	if d.Outcome != OutcomeShown {
		t.Fatalf("outcome = %s, want shown", d.Outcome)
	}
	if len(d.Surfaces) != 2 {
		t.Fatalf("got %d surfaces, want one winner per surface", len(d.Surfaces))
	}
	bySurface := make(map[campaign.Surface]SurfaceDecision)
	for _, sd := range d.Surfaces {
		bySurface[sd.Surface] = sd
	}
	if sd := bySurface[campaign.SurfaceCenterModal]; sd.CampaignID != "cmp_high" || sd.FireID != "f_high" {
		t.Errorf("center modal winner = %+v, want cmp_high/f_high", sd)
	}
	if sd := bySurface[campaign.SurfaceBanner]; sd.CampaignID != "cmp_banner" {
		t.Errorf("banner winner = %+v, want cmp_banner", sd)
	}
}

func TestEvaluateTargetingFilters(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cat := buildCatalog(t, &config.File{Version: "1", Campaigns: []config.CampaignDef{
		{ID: "cmp_cart_page", Status: "active", Surface: "center_modal", CreatedAt: t0, Triggers: pageLoadTriggers(),
			Targeting: config.TargetingDef{IncludeURLs: []string{"/cart"}}},
	}})
	e := newTestEngine(t, cat, testConf())

	d := e.EvaluateSync(context.Background(), &Request{
		Visitor: shopper("pv_1"), // on "/"
		Fires:   []FireRef{{CampaignID: "cmp_cart_page", FireID: "f_1"}},
	})
	if d.Outcome != OutcomeNoCampaign {
		t.Fatalf("outcome = %s, want no_campaign off the cart page", d.Outcome)
	}
}

func TestEvaluateCapDenialFallsThrough(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cat := buildCatalog(t, &config.File{Version: "1", Campaigns: []config.CampaignDef{
		{ID: "cmp_high", Priority: 100, Status: "active", Surface: "center_modal", CreatedAt: t0,
			Triggers: pageLoadTriggers(), FrequencyCap: config.CapDef{MaxPerSession: 1}},
		{ID: "cmp_low", Priority: 1, Status: "active", Surface: "center_modal", CreatedAt: t0,
			Triggers: pageLoadTriggers()},
	}})
	e := newTestEngine(t, cat, testConf())

	fires := []FireRef{
		{CampaignID: "cmp_high", FireID: "f_h"},
		{CampaignID: "cmp_low", FireID: "f_l"},
	}

	d := e.EvaluateSync(context.Background(), &Request{Visitor: shopper("pv_1"), Fires: fires})
	if d.Outcome != OutcomeShown || d.Surfaces[0].CampaignID != "cmp_high" {
		t.Fatalf("first page view: %+v, want cmp_high", d)
	}

	// Same session, new page view: cmp_high's session cap is spent, so the
	// lower-priority campaign takes the surface.
	d = e.EvaluateSync(context.Background(), &Request{Visitor: shopper("pv_2"), Fires: fires})
	if d.Outcome != OutcomeShown || d.Surfaces[0].CampaignID != "cmp_low" {
		t.Fatalf("second page view: %+v, want fallthrough to cmp_low", d)
	}
}

func TestEvaluateLosingCandidateKeepsCapSlot(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cat := buildCatalog(t, &config.File{Version: "1", Campaigns: []config.CampaignDef{
		{ID: "cmp_high", Priority: 100, Status: "active", Surface: "center_modal", CreatedAt: t0,
			Triggers: pageLoadTriggers()},
		{ID: "cmp_low", Priority: 1, Status: "active", Surface: "center_modal", CreatedAt: t0,
			Triggers: pageLoadTriggers(), FrequencyCap: config.CapDef{MaxPerSession: 1}},
	}})
	e := newTestEngine(t, cat, testConf())

	fires := []FireRef{
		{CampaignID: "cmp_high", FireID: "f_h"},
		{CampaignID: "cmp_low", FireID: "f_l"},
	}

	// cmp_high wins twice; losing never burned cmp_low's single session slot.
	for _, pv := range []string{"pv_1", "pv_2"} {
		d := e.EvaluateSync(context.Background(), &Request{Visitor: shopper(pv), Fires: fires})
		if d.Outcome != OutcomeShown || d.Surfaces[0].CampaignID != "cmp_high" {
			t.Fatalf("%s: %+v, want cmp_high", pv, d)
		}
	}
	d := e.EvaluateSync(context.Background(), &Request{
		Visitor: shopper("pv_3"),
		Fires:   []FireRef{{CampaignID: "cmp_low", FireID: "f_l"}},
	})
	if d.Outcome != OutcomeShown || d.Surfaces[0].CampaignID != "cmp_low" {
		t.Fatalf("cmp_low's slot was consumed while losing: %+v", d)
	}
}

func experimentConfig(treatmentStatus string) *config.File {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &config.File{
		Version: "1",
		Experiments: []config.ExperimentDef{
			{ID: "exp_offer", Variants: []config.VariantDef{
				{Key: "control", Percent: 50, Control: true},
				{Key: "treatment", Percent: 50},
			}},
		},
		Campaigns: []config.CampaignDef{
			{ID: "cmp_ctrl", Status: "active", Surface: "center_modal", CreatedAt: t0, Triggers: pageLoadTriggers(),
				ExperimentID: "exp_offer", VariantKey: "control"},
			{ID: "cmp_treat", Status: treatmentStatus, Surface: "center_modal", CreatedAt: t0, Triggers: pageLoadTriggers(),
				ExperimentID: "exp_offer", VariantKey: "treatment"},
		},
	}
}

// visitorInVariant finds a visitor id that buckets into the given variant.
func visitorInVariant(t *testing.T, expID, want string) string {
	t.Helper()
	exp := &campaign.Experiment{ID: expID, Variants: []campaign.Variant{
		{Key: "control", Percent: 50, IsControl: true},
		{Key: "treatment", Percent: 50},
	}}
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("v_%d", i)
		if experiment.Choose(exp, experiment.Bucket(expID, id)) == want {
			return id
		}
	}
	t.Fatal("no visitor found for variant")
	return ""
}

func TestEvaluateExperimentGating(t *testing.T) {
	e := newTestEngine(t, buildCatalog(t, experimentConfig("active")), testConf())

	fires := []FireRef{
		{CampaignID: "cmp_ctrl", FireID: "f_c"},
		{CampaignID: "cmp_treat", FireID: "f_t"},
	}
	wantCampaign := map[string]string{
		"control":   "cmp_ctrl",
		"treatment": "cmp_treat",
	}

	for variant, want := range wantCampaign {
		vc := shopper("pv_" + variant)
		vc.VisitorID = visitorInVariant(t, "exp_offer", variant)
		d := e.EvaluateSync(context.Background(), &Request{Visitor: vc, Fires: fires})
		if d.Outcome != OutcomeShown || len(d.Surfaces) != 1 {
			t.Fatalf("%s visitor: %+v", variant, d)
		}
		sd := d.Surfaces[0]
		if sd.CampaignID != want || sd.VariantKey != variant || sd.ExperimentID != "exp_offer" {
			t.Errorf("%s visitor decision = %+v, want %s", variant, sd, want)
		}
	}
}

func TestEvaluateClientTokenOverridesBucket(t *testing.T) {
	e := newTestEngine(t, buildCatalog(t, experimentConfig("active")), testConf())

	vc := shopper("pv_1")
	vc.VisitorID = visitorInVariant(t, "exp_offer", "control")
	d := e.EvaluateSync(context.Background(), &Request{
		Visitor: vc,
		Fires: []FireRef{
			{CampaignID: "cmp_ctrl", FireID: "f_c"},
			{CampaignID: "cmp_treat", FireID: "f_t"},
		},
		Tokens: map[string]string{"exp_offer": "treatment"},
	})
	if d.Outcome != OutcomeShown || d.Surfaces[0].CampaignID != "cmp_treat" {
		t.Fatalf("token-held treatment visitor got %+v", d)
	}
}

func TestEvaluateFallbackToControl(t *testing.T) {
	// Treatment campaign paused: treatment visitors fall back to control.
	e := newTestEngine(t, buildCatalog(t, experimentConfig("paused")), testConf())

	vc := shopper("pv_1")
	vc.VisitorID = visitorInVariant(t, "exp_offer", "treatment")
	d := e.EvaluateSync(context.Background(), &Request{
		Visitor: vc,
		Fires:   []FireRef{{CampaignID: "cmp_ctrl", FireID: "f_c"}},
	})
	if d.Outcome != OutcomeShown || d.Surfaces[0].CampaignID != "cmp_ctrl" {
		t.Fatalf("fallback decision = %+v, want cmp_ctrl", d)
	}
	if d.Surfaces[0].VariantKey != "control" {
		t.Fatalf("fallback variant = %q, want control", d.Surfaces[0].VariantKey)
	}
}

func TestEvaluateFallbackIneligible(t *testing.T) {
	conf := testConf()
	conf.FallbackPolicy = string(experiment.FallbackIneligible)
	e := newTestEngine(t, buildCatalog(t, experimentConfig("paused")), conf)

	vc := shopper("pv_1")
	vc.VisitorID = visitorInVariant(t, "exp_offer", "treatment")
	d := e.EvaluateSync(context.Background(), &Request{
		Visitor: vc,
		Fires:   []FireRef{{CampaignID: "cmp_ctrl", FireID: "f_c"}},
	})
	if d.Outcome != OutcomeNoCampaign {
		t.Fatalf("ineligible policy decision = %+v, want no_campaign", d)
	}
}

func TestEvaluateSurfaceStateSuppression(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cat := buildCatalog(t, &config.File{Version: "1", Campaigns: []config.CampaignDef{
		{ID: "cmp_1", Status: "active", Surface: "center_modal", CreatedAt: t0, Triggers: pageLoadTriggers()},
	}})
	e := newTestEngine(t, cat, testConf())

	fires := []FireRef{{CampaignID: "cmp_1", FireID: "f_1"}}
	d := e.EvaluateSync(context.Background(), &Request{Visitor: shopper("pv_1"), Fires: fires})
	if d.Outcome != OutcomeShown {
		t.Fatalf("first evaluation: %+v", d)
	}

	// The surface sits in candidate_selected; a duplicate evaluation on the
	// same page view selects nothing more.
	d = e.EvaluateSync(context.Background(), &Request{Visitor: shopper("pv_1"), Fires: fires})
	if d.Outcome != OutcomeNoCampaign {
		t.Fatalf("duplicate evaluation: %+v, want no_campaign", d)
	}

	// Page view teardown clears the state; a fresh page view can show again.
	e.EndPageView("pv_1")
	d = e.EvaluateSync(context.Background(), &Request{Visitor: shopper("pv_1"), Fires: fires})
	if d.Outcome != OutcomeShown {
		t.Fatalf("post-teardown evaluation: %+v", d)
	}
}

func TestSwapCatalogTakesEffect(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	before := buildCatalog(t, &config.File{Version: "1", Campaigns: []config.CampaignDef{
		{ID: "cmp_old", Status: "active", Surface: "center_modal", CreatedAt: t0, Triggers: pageLoadTriggers()},
	}})
	after := buildCatalog(t, &config.File{Version: "2", Campaigns: []config.CampaignDef{
		{ID: "cmp_new", Status: "active", Surface: "center_modal", CreatedAt: t0, Triggers: pageLoadTriggers()},
	}})
	e := newTestEngine(t, before, testConf())

	e.SwapCatalog(after)
	if e.Catalog().Campaign("cmp_old") != nil || e.Catalog().Campaign("cmp_new") == nil {
		t.Fatal("catalog swap not visible")
	}

	d := e.EvaluateSync(context.Background(), &Request{
		Visitor: shopper("pv_1"),
		Fires:   []FireRef{{CampaignID: "cmp_new", FireID: "f_1"}},
	})
	if d.Outcome != OutcomeShown || d.Surfaces[0].CampaignID != "cmp_new" {
		t.Fatalf("evaluation after swap: %+v", d)
	}
}

func TestObserveRecordsFiresBeforeReturning(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cat := buildCatalog(t, &config.File{Version: "1", Campaigns: []config.CampaignDef{
		{ID: "cmp_1", Status: "active", Surface: "center_modal", CreatedAt: t0, Triggers: pageLoadTriggers()},
	}})
	e := newTestEngine(t, cat, testConf())

	vc := shopper("pv_1")
	e.Detector().StartPageView(vc.PageViewID, vc, e.Catalog().Campaigns())

	fires := e.Observe(signal.Signal{PageViewID: "pv_1", Kind: signal.KindPageLoad})
	if len(fires) != 1 {
		t.Fatalf("Observe returned %d fires, want 1", len(fires))
	}
	// The fire is visible to an eligibility call issued immediately, without
	// waiting on the channel drain, and the drain never double-records it.
	if got := e.FiresFor("pv_1"); len(got) != 1 || got[0].FireID != fires[0].FireID {
		t.Fatalf("FiresFor = %+v, want the observed fire", got)
	}
	d := e.EvaluateSync(context.Background(), &Request{Visitor: vc})
	if d.Outcome != OutcomeShown || d.Surfaces[0].FireID != fires[0].FireID {
		t.Fatalf("evaluation right after Observe: %+v", d)
	}
}

func TestSweepReclaimsAbandonedPageViews(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cat := buildCatalog(t, &config.File{Version: "1", Campaigns: []config.CampaignDef{
		{ID: "cmp_1", Status: "active", Surface: "center_modal", CreatedAt: t0, Triggers: pageLoadTriggers()},
	}})
	e := newTestEngine(t, cat, testConf())

	vc := shopper("pv_gone")
	vc.StartedAt = t0
	e.Detector().StartPageView(vc.PageViewID, vc, e.Catalog().Campaigns())
	if fires := e.Observe(signal.Signal{PageViewID: "pv_gone", Kind: signal.KindPageLoad, At: t0}); len(fires) != 1 {
		t.Fatal("page_load did not fire")
	}
	if d := e.EvaluateSync(context.Background(), &Request{Visitor: vc}); d.Outcome != OutcomeShown {
		t.Fatalf("pre-sweep evaluation: %+v", d)
	}

	// The page never sends the teardown beacon; the sweep reclaims detector
	// machines, recorded fires, and display state together.
	e.sweepPageViews(t0.Add(30 * time.Minute))

	if got := e.FiresFor("pv_gone"); len(got) != 0 {
		t.Fatalf("fires survived the sweep: %+v", got)
	}
	if got := e.Tracker().Get("pv_gone", campaign.SurfaceCenterModal); got != resolver.StateIdle {
		t.Fatalf("display state after sweep = %s, want idle", got)
	}
	if fires := e.Observe(signal.Signal{PageViewID: "pv_gone", Kind: signal.KindPageLoad, At: t0.Add(31 * time.Minute)}); len(fires) != 0 {
		t.Fatal("detector still armed after sweep")
	}

	// A fire record with no detector entry ages out on its own clock.
	e.recordFire(trigger.Fire{FireID: "f_orphan", PageViewID: "pv_orphan", CampaignID: "cmp_1", At: t0})
	e.sweepPageViews(t0.Add(30 * time.Minute))
	if got := e.FiresFor("pv_orphan"); len(got) != 0 {
		t.Fatalf("orphan fires survived the sweep: %+v", got)
	}
}
