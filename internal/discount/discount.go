// Package discount defines the engine's edge with the discount-issuance
// subsystem. The engine decides only whether a chosen campaign requires a
// generated code; issuing and persisting codes belongs to the collaborator
// behind Issuer.
package discount

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/popgate/popgate/internal/campaign"
)

// Required reports whether the campaign's call-to-action needs a generated
// discount code before the action can proceed.
func Required(c *campaign.Campaign) bool {
	return c.CTA == campaign.CTADiscountCode
}

// Issuer generates a discount code for a visitor interacting with a campaign.
type Issuer interface {
	Issue(ctx context.Context, campaignID, visitorID string) (code string, err error)
}

// DevIssuer is a development stand-in that fabricates codes locally. Deploys
// replace it with the real issuance service client.
type DevIssuer struct {
	Prefix string
}

func (d *DevIssuer) Issue(_ context.Context, _, _ string) (string, error) {
	prefix := d.Prefix
	if prefix == "" {
		prefix = "POP"
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return prefix + "-" + suffix, nil
}
