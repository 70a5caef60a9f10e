package resolver

import (
	"fmt"
	"sync"
	"time"

	"github.com/popgate/popgate/internal/campaign"
)

// State is the display lifecycle of one (page view, surface).
type State string

const (
	StateIdle              State = "idle"
	StateEvaluating        State = "evaluating"
	StateCandidateSelected State = "candidate_selected"
	StateShown             State = "shown"
	StateClosed            State = "closed"
	StateExpired           State = "expired"
	StateConverted         State = "converted"
)

// Terminal reports whether no further display may happen on this page view.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateExpired || s == StateConverted
}

type stateKey struct {
	pageViewID string
	surface    campaign.Surface
}

// Tracker holds the display state machine per (page view, surface).
//
//	idle → evaluating → candidate_selected → shown → {closed|expired|converted}
//
// Re-entry to evaluating is allowed only from idle (a later trigger fire while
// nothing was selected); terminal states are absorbing.
type Tracker struct {
	mu     sync.Mutex
	states map[stateKey]State
	seen   map[string]time.Time // page view id → last transition
	now    func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[stateKey]State),
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Get returns the current state, idle if never touched.
func (t *Tracker) Get(pageViewID string, surface campaign.Surface) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(stateKey{pageViewID, surface})
}

func (t *Tracker) get(k stateKey) State {
	if s, ok := t.states[k]; ok {
		return s
	}
	return StateIdle
}

// BeginEvaluation moves idle → evaluating. It reports false when the surface
// is already beyond idle for this page view, which suppresses duplicate
// concurrent evaluations and any display after a terminal state.
func (t *Tracker) BeginEvaluation(pageViewID string, surface campaign.Surface) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := stateKey{pageViewID, surface}
	t.seen[pageViewID] = t.now()
	if t.get(k) != StateIdle {
		return false
	}
	t.states[k] = StateEvaluating
	return true
}

// NoCandidate returns evaluating → idle so a later trigger fire can try again.
func (t *Tracker) NoCandidate(pageViewID string, surface campaign.Surface) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := stateKey{pageViewID, surface}
	t.seen[pageViewID] = t.now()
	if t.get(k) == StateEvaluating {
		t.states[k] = StateIdle
	}
}

// MarkSelected moves evaluating → candidate_selected.
func (t *Tracker) MarkSelected(pageViewID string, surface campaign.Surface) error {
	return t.advance(pageViewID, surface, StateEvaluating, StateCandidateSelected)
}

// MarkShown moves candidate_selected → shown (the client rendered the popup).
func (t *Tracker) MarkShown(pageViewID string, surface campaign.Surface) error {
	return t.advance(pageViewID, surface, StateCandidateSelected, StateShown)
}

// Close, Expire, and Convert move shown into its terminal states.

func (t *Tracker) Close(pageViewID string, surface campaign.Surface) error {
	return t.advance(pageViewID, surface, StateShown, StateClosed)
}

func (t *Tracker) Expire(pageViewID string, surface campaign.Surface) error {
	return t.advance(pageViewID, surface, StateShown, StateExpired)
}

func (t *Tracker) Convert(pageViewID string, surface campaign.Surface) error {
	return t.advance(pageViewID, surface, StateShown, StateConverted)
}

func (t *Tracker) advance(pageViewID string, surface campaign.Surface, from, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := stateKey{pageViewID, surface}
	t.seen[pageViewID] = t.now()
	cur := t.get(k)
	if cur != from {
		return fmt.Errorf("surface %s on page view %s is %s, cannot move to %s", surface, pageViewID, cur, to)
	}
	t.states[k] = to
	return nil
}

// EndPageView drops all state for a page view (navigation teardown).
func (t *Tracker) EndPageView(pageViewID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drop(pageViewID)
}

func (t *Tracker) drop(pageViewID string) {
	delete(t.seen, pageViewID)
	for k := range t.states {
		if k.pageViewID == pageViewID {
			delete(t.states, k)
		}
	}
}

// SweepIdle drops state for page views with no transition since cutoff and
// reports how many were evicted. Pages abandoned without a teardown call are
// reclaimed here.
func (t *Tracker) SweepIdle(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, at := range t.seen {
		if at.Before(cutoff) {
			t.drop(id)
			n++
		}
	}
	return n
}
