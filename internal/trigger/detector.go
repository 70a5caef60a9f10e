// Package trigger implements the trigger detector: one small state machine
// per (page view, campaign) fed by the page's signal stream. A machine fires
// at most once per page view; fires are published as messages on a single
// channel consumed by the resolver side, never via callback chains.
package trigger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/popgate/popgate/internal/campaign"
	"github.com/popgate/popgate/internal/signal"
	"github.com/popgate/popgate/internal/visitor"
)

// Fire announces that a campaign's trigger conditions were met on a page view.
type Fire struct {
	FireID     string    `json:"fire_id"`
	PageViewID string    `json:"page_view_id"`
	CampaignID string    `json:"campaign_id"`
	At         time.Time `json:"at"`
}

// exitProfile holds the exit-intent thresholds for one sensitivity level.
// Higher sensitivity accepts slower upward movement further from the edge.
type exitProfile struct {
	minVelocity float64 // upward px/s
	edgeMargin  float64 // px from viewport top
}

var exitProfiles = map[campaign.Sensitivity]exitProfile{
	campaign.SensitivityLow:    {minVelocity: 900, edgeMargin: 30},
	campaign.SensitivityMedium: {minVelocity: 600, edgeMargin: 50},
	campaign.SensitivityHigh:   {minVelocity: 300, edgeMargin: 80},
}

// ExitProfileFor returns the thresholds used for a sensitivity level.
// Unknown levels get medium.
func ExitProfileFor(s campaign.Sensitivity) (minVelocity, edgeMargin float64) {
	p, ok := exitProfiles[s]
	if !ok {
		p = exitProfiles[campaign.SensitivityMedium]
	}
	return p.minVelocity, p.edgeMargin
}

// Pointer samples further apart than this cannot produce a trustworthy
// velocity reading and are ignored; this is also the exit-intent debounce.
const maxPointerGap = 500 * time.Millisecond

// Scroll samples arriving faster than this are coalesced.
const scrollDebounce = 100 * time.Millisecond

type pointerSample struct {
	y  float64
	at time.Time
}

// machine tracks one campaign's trigger progress on one page view.
type machine struct {
	cfg       campaign.TriggerConfig
	satisfied []bool
	fired     bool
}

func (m *machine) done() bool {
	any, all := false, true
	for _, s := range m.satisfied {
		if s {
			any = true
		} else {
			all = false
		}
	}
	if len(m.satisfied) == 0 {
		return false
	}
	if m.cfg.Combine == campaign.CombineAny {
		return any
	}
	return all
}

// pageState aggregates the signals seen on one page view.
type pageState struct {
	startedAt      time.Time
	lastActivityAt time.Time
	lastSeenAt     time.Time // any signal, heartbeats included
	prevPointer    *pointerSample // sample before the one being processed
	lastPointer    *pointerSample
	lastScrollAt   time.Time
	maxDepth       float64
	cartValue      float64
	machines       map[string]*machine // campaign id → machine
}

// Detector folds signals into trigger fires.
type Detector struct {
	mu    sync.Mutex
	pages map[string]*pageState
	fires chan Fire
	log   *slog.Logger
}

// NewDetector creates a Detector. Fires are buffered; if the consumer stalls,
// fires are dropped and logged rather than blocking signal handling.
func NewDetector(log *slog.Logger) *Detector {
	return &Detector{
		pages: make(map[string]*pageState),
		fires: make(chan Fire, 256),
		log:   log,
	}
}

// Fires returns the channel trigger fires are published on.
func (d *Detector) Fires() <-chan Fire {
	return d.fires
}

// StartPageView arms machines for every campaign whose device targeting
// allows the visitor's device. Device-excluded campaigns get no machine at
// all: no signal volume can ever fire them.
func (d *Detector) StartPageView(pageViewID string, vc *visitor.Context, campaigns []*campaign.Campaign) {
	now := vc.StartedAt
	if now.IsZero() {
		now = time.Now()
	}
	st := &pageState{
		startedAt:      now,
		lastActivityAt: now,
		lastSeenAt:     now,
		cartValue:      vc.CartValue,
		machines:       make(map[string]*machine),
	}
	for _, c := range campaigns {
		if !c.Rules.AllowsDevice(vc.Device) {
			continue
		}
		st.machines[c.ID] = &machine{
			cfg:       c.Triggers,
			satisfied: make([]bool, len(c.Triggers.Rules)),
		}
	}
	d.mu.Lock()
	d.pages[pageViewID] = st
	d.mu.Unlock()
}

// EndPageView tears down all machines for a page view. Called on navigation
// and on popup unmount so nothing leaks across pages.
func (d *Detector) EndPageView(pageViewID string) {
	d.mu.Lock()
	delete(d.pages, pageViewID)
	d.mu.Unlock()
}

// SweepIdle evicts page states that received no signal since cutoff and
// returns their ids so callers can tear down state keyed on them. Tabs that
// navigate away without delivering the teardown beacon are reclaimed here;
// a heartbeat is enough to keep a page alive.
func (d *Detector) SweepIdle(cutoff time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var evicted []string
	for id, st := range d.pages {
		if st.lastSeenAt.Before(cutoff) {
			delete(d.pages, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Observe feeds one signal into the page's machines and publishes any fires.
// Unknown or malformed signals are swallowed: detection silently disables
// rather than surfacing an error to the shopper.
func (d *Detector) Observe(sig signal.Signal) []Fire {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.pages[sig.PageViewID]
	if !ok {
		return nil
	}
	at := sig.At
	if at.IsZero() {
		at = time.Now()
	}
	st.lastSeenAt = at

	d.fold(st, sig, at)

	var fired []Fire
	for id, m := range st.machines {
		if m.fired {
			continue
		}
		for i, rule := range m.cfg.Rules {
			if m.satisfied[i] {
				continue
			}
			if d.ruleSatisfied(st, rule, sig, at) {
				m.satisfied[i] = true
			}
		}
		if m.done() {
			m.fired = true
			f := Fire{
				FireID:     uuid.New().String(),
				PageViewID: sig.PageViewID,
				CampaignID: id,
				At:         at,
			}
			fired = append(fired, f)
			select {
			case d.fires <- f:
			default:
				d.log.Warn("trigger fire dropped, channel full",
					"campaign_id", id, "page_view_id", sig.PageViewID)
			}
		}
	}
	return fired
}

// fold updates the page aggregates before rule evaluation. Heartbeats do not
// count as activity, so they cannot reset an idle countdown.
func (d *Detector) fold(st *pageState, sig signal.Signal, at time.Time) {
	switch sig.Kind {
	case signal.KindPointer:
		st.prevPointer = st.lastPointer
		st.lastPointer = &pointerSample{y: sig.Y, at: at}
	case signal.KindScroll:
		// Direction-aware: only downward progress counts, debounced.
		if sig.Depth > st.maxDepth && at.Sub(st.lastScrollAt) >= scrollDebounce {
			st.maxDepth = sig.Depth
			st.lastScrollAt = at
		}
	case signal.KindCartUpdate, signal.KindAddToCart:
		if sig.CartValue > 0 {
			st.cartValue = sig.CartValue
		}
	}
	if sig.Kind != signal.KindHeartbeat {
		st.lastActivityAt = at
	}
}

func (d *Detector) ruleSatisfied(st *pageState, rule campaign.TriggerRule, sig signal.Signal, at time.Time) bool {
	switch rule.Type {
	case campaign.TriggerPageLoad:
		return sig.Kind == signal.KindPageLoad

	case campaign.TriggerExitIntent:
		if sig.Kind != signal.KindPointer {
			return false
		}
		return d.exitIntent(st, rule.Sensitivity, sig, at)

	case campaign.TriggerScrollDepth:
		return st.maxDepth >= rule.Percent

	case campaign.TriggerTimeDelay:
		return at.Sub(st.startedAt).Seconds() >= rule.Seconds

	case campaign.TriggerIdle:
		// Heartbeats do not count as activity; they only advance the clock.
		if sig.Kind != signal.KindHeartbeat {
			return false
		}
		return at.Sub(st.lastActivityAt).Seconds() >= rule.Seconds

	case campaign.TriggerCartValue:
		return st.cartValue >= rule.MinCartValue

	case campaign.TriggerAddToCart:
		return sig.Kind == signal.KindAddToCart

	case campaign.TriggerCustomEvent:
		return sig.Kind == signal.KindCustom && sig.Name == rule.EventName

	default:
		// Unknown rule type: never satisfies. Validation rejects these at
		// activation, so this only guards against skew between config
		// versions.
		return false
	}
}

// exitIntent applies the pointer-velocity heuristic: a fast upward movement
// ending near the viewport's top edge.
func (d *Detector) exitIntent(st *pageState, s campaign.Sensitivity, sig signal.Signal, at time.Time) bool {
	prev := st.prevPointer
	if prev == nil {
		return false
	}
	dt := at.Sub(prev.at)
	if dt <= 0 || dt > maxPointerGap {
		return false
	}
	minVelocity, edgeMargin := ExitProfileFor(s)
	if sig.Y > edgeMargin {
		return false
	}
	velocity := (prev.y - sig.Y) / dt.Seconds() // positive = moving up
	return velocity >= minVelocity
}
