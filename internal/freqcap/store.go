// Package freqcap enforces per-visitor impression limits: session and daily
// counters plus a cooldown, each with its own expiry. The check and the
// reservation are one atomic operation so two tabs racing for the last
// permitted slot cannot both win.
package freqcap

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/popgate/popgate/internal/campaign"
)

// Reason explains a denial.
type Reason string

const (
	ReasonSessionLimit Reason = "session_limit_reached"
	ReasonDailyLimit   Reason = "daily_limit_reached"
	ReasonCooldown     Reason = "cooldown_active"
)

// Verdict is the outcome of CheckAndReserve.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
}

// Allowed is the permitting verdict.
var Allowed = Verdict{Allowed: true}

// Denied builds a denying verdict with the given reason.
func Denied(r Reason) Verdict {
	return Verdict{Allowed: false, Reason: r}
}

// Store is the frequency cap contract. On Allowed the implementation has
// already reserved the slot: counters are incremented and lastShownAt is
// recorded before the call returns.
type Store interface {
	CheckAndReserve(ctx context.Context, campaignID, visitorID, sessionID string, cap campaign.FrequencyCap) (Verdict, error)
}

const shardCount = 64

// cooldownRetention keeps lastShownAt around after both counters expire, so
// long cooldowns (the config, not the store, knows their length) still hold.
const cooldownRetention = 30 * 24 * time.Hour

// entry holds the counters for one (visitor, campaign) pair. Counters only
// ever increase within their window; expiry resets them to zero.
type entry struct {
	sessionID     string
	sessionCount  int
	sessionExpiry time.Time
	dayCount      int
	dayExpiry     time.Time
	lastShownAt   time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemStore is the in-memory Store, sharded by (visitorID, campaignID) so
// concurrent visitors never contend on a shared lock.
type MemStore struct {
	shards     [shardCount]shard
	sessionTTL time.Duration
	now        func() time.Time
}

// NewMemStore creates a MemStore. sessionTTL bounds how long a session
// counter survives without renewal; a new sessionID also resets it.
func NewMemStore(sessionTTL time.Duration) *MemStore {
	s := &MemStore{sessionTTL: sessionTTL, now: time.Now}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

func (s *MemStore) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)%shardCount]
}

func capKey(visitorID, campaignID string) string {
	return visitorID + "\x1f" + campaignID
}

// CheckAndReserve applies session, daily, and cooldown limits in that order
// and, when allowed, atomically consumes a slot.
func (s *MemStore) CheckAndReserve(_ context.Context, campaignID, visitorID, sessionID string, cap campaign.FrequencyCap) (Verdict, error) {
	key := capKey(visitorID, campaignID)
	sh := s.shardFor(key)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		e = &entry{}
		sh.entries[key] = e
	}

	// Lazy expiry: a new session or an elapsed TTL resets the session
	// counter; crossing the UTC day boundary resets the daily counter.
	if e.sessionID != sessionID || now.After(e.sessionExpiry) {
		e.sessionID = sessionID
		e.sessionCount = 0
	}
	if now.After(e.dayExpiry) {
		e.dayCount = 0
		e.dayExpiry = nextUTCMidnight(now)
	}

	if cap.MaxPerSession > 0 && e.sessionCount >= cap.MaxPerSession {
		return Denied(ReasonSessionLimit), nil
	}
	if cap.MaxPerDay > 0 && e.dayCount >= cap.MaxPerDay {
		return Denied(ReasonDailyLimit), nil
	}
	if cap.CooldownSeconds > 0 && !e.lastShownAt.IsZero() {
		if now.Sub(e.lastShownAt) < time.Duration(cap.CooldownSeconds)*time.Second {
			return Denied(ReasonCooldown), nil
		}
	}

	e.sessionCount++
	e.sessionExpiry = now.Add(s.sessionTTL)
	e.dayCount++
	e.lastShownAt = now
	return Allowed, nil
}

// StartSweeper evicts fully expired entries on an interval until ctx is done.
// Eviction is an optimization only; expiry itself is enforced lazily above.
func (s *MemStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *MemStore) sweep() {
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if now.After(e.sessionExpiry) && now.After(e.dayExpiry) &&
				now.Sub(e.lastShownAt) > cooldownRetention {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
}

func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
