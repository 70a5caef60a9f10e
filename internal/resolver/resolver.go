// Package resolver arbitrates among eligible campaigns: exactly one winner
// per display surface, chosen by the total order (priority desc, createdAt
// asc, id asc). Distinct surfaces resolve independently, so a banner and a
// center modal may show together, but never two campaigns on one surface.
package resolver

import (
	"sort"

	"github.com/popgate/popgate/internal/campaign"
)

// Candidate is a campaign that passed targeting, was allowed by the
// frequency cap store, and had a trigger fire.
type Candidate struct {
	Campaign   *campaign.Campaign
	VariantKey string // "" when the campaign is not under experiment
	FireID     string
}

// Rank groups candidates by surface, each group sorted into display order.
// Input order does not matter; the result is deterministic for any
// permutation of candidates.
func Rank(candidates []Candidate) map[campaign.Surface][]Candidate {
	bySurface := make(map[campaign.Surface][]Candidate)
	for _, c := range candidates {
		bySurface[c.Campaign.Surface] = append(bySurface[c.Campaign.Surface], c)
	}
	for _, group := range bySurface {
		sort.Slice(group, func(i, j int) bool {
			return campaign.Less(group[i].Campaign, group[j].Campaign)
		})
	}
	return bySurface
}

// Resolve picks the single winner per surface.
func Resolve(candidates []Candidate) map[campaign.Surface]Candidate {
	winners := make(map[campaign.Surface]Candidate)
	for surface, group := range Rank(candidates) {
		winners[surface] = group[0]
	}
	return winners
}
