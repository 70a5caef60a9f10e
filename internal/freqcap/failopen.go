package freqcap

import (
	"context"
	"log/slog"

	"github.com/popgate/popgate/internal/campaign"
	"github.com/popgate/popgate/internal/metrics"
)

// FailOpen wraps a Store so an unreachable backing store never blocks the
// storefront: errors degrade to Allowed, logged and counted, and the error is
// not propagated.
type FailOpen struct {
	Inner Store
	Log   *slog.Logger
}

func (f *FailOpen) CheckAndReserve(ctx context.Context, campaignID, visitorID, sessionID string, cap campaign.FrequencyCap) (Verdict, error) {
	v, err := f.Inner.CheckAndReserve(ctx, campaignID, visitorID, sessionID, cap)
	if err != nil {
		f.Log.Warn("frequency cap store unavailable, failing open",
			"campaign_id", campaignID, "err", err)
		metrics.CapStoreFailOpen.Inc()
		return Allowed, nil
	}
	return v, nil
}
