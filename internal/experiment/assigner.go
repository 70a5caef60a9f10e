// Package experiment implements deterministic sticky A/B bucketing. A
// visitor's bucket is a pure function of (experimentID, visitorID), so the
// same visitor lands in the same variant on every evaluation, every reload,
// and every server instance — with no coordination.
package experiment

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cespare/xxhash/v2"

	"github.com/popgate/popgate/internal/campaign"
	"github.com/popgate/popgate/internal/metrics"
)

// ErrNoAssignment is returned by AssignmentStore.Get when the visitor has no
// recorded assignment for the experiment.
var ErrNoAssignment = errors.New("no assignment recorded")

// AssignmentStore mirrors assignments server-side. The client-held token is
// the primary record; the mirror survives cleared browser storage and lets
// analytics join on a durable copy. Implementations must be idempotent: a
// second Put for the same (experiment, visitor) keeps the first variant.
type AssignmentStore interface {
	Get(ctx context.Context, experimentID, visitorID string) (string, error)
	Put(ctx context.Context, experimentID, visitorID, variantKey string) error
}

// FallbackPolicy governs what happens when a visitor's sticky variant no
// longer has a live campaign.
type FallbackPolicy string

const (
	// FallbackToControl moves the visitor to the control variant if control's
	// campaign is still active.
	FallbackToControl FallbackPolicy = "fallback_to_control"
	// FallbackIneligible removes the experiment from consideration for the
	// visitor entirely.
	FallbackIneligible FallbackPolicy = "ineligible"
)

// Bucket hashes (experimentID, visitorID) into [0, 100) with 0.01 granularity.
func Bucket(experimentID, visitorID string) float64 {
	h := xxhash.Sum64String(experimentID + ":" + visitorID)
	return float64(h%10000) / 100.0
}

// Choose walks the variants in canonical (key-sorted) order, accumulating
// allocation percentages, and returns the first variant whose cumulative
// boundary exceeds the bucket. Allocations sum to 100 (validated at
// activation), so exactly one variant is always returned.
func Choose(exp *campaign.Experiment, bucket float64) string {
	var cum float64
	for _, v := range exp.Variants {
		cum += v.Percent
		if bucket < cum {
			return v.Key
		}
	}
	// Guard against float accumulation falling a hair short of 100.
	return exp.Variants[len(exp.Variants)-1].Key
}

// Assigner resolves the sticky variant for a visitor.
type Assigner struct {
	store AssignmentStore
	log   *slog.Logger
}

// NewAssigner creates an Assigner. store may be nil when no server-side
// mirror is configured; assignment is then purely deterministic + client token.
func NewAssigner(store AssignmentStore, log *slog.Logger) *Assigner {
	return &Assigner{store: store, log: log}
}

// Assign returns the variant key for (exp, visitor) and whether the
// assignment is fresh (computed now rather than recalled).
//
// Precedence: a valid client-held token wins, then the server-side mirror,
// then fresh bucketing. Later allocation changes never move an
// already-bucketed visitor: recalled assignments are returned as-is even if
// re-bucketing would land elsewhere.
func (a *Assigner) Assign(ctx context.Context, exp *campaign.Experiment, visitorID, clientToken string) (string, bool) {
	if clientToken != "" && exp.Variant(clientToken) != nil {
		return clientToken, false
	}

	if a.store != nil {
		key, err := a.store.Get(ctx, exp.ID, visitorID)
		switch {
		case err == nil && exp.Variant(key) != nil:
			return key, false
		case err != nil && !errors.Is(err, ErrNoAssignment):
			// Mirror unavailable. Bucketing is deterministic, so falling
			// through still yields the variant this visitor always gets.
			a.log.Warn("assignment mirror read failed", "experiment_id", exp.ID, "err", err)
		}
	}

	key := Choose(exp, Bucket(exp.ID, visitorID))
	if a.store != nil {
		if err := a.store.Put(ctx, exp.ID, visitorID, key); err != nil {
			a.log.Warn("assignment mirror write failed", "experiment_id", exp.ID, "err", err)
		}
	}
	metrics.Assignments.WithLabelValues(exp.ID, key).Inc()
	return key, true
}
