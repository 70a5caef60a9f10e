package campaign

import (
	"fmt"
	"sort"

	"github.com/popgate/popgate/internal/config"
	"github.com/popgate/popgate/internal/targeting"
	"github.com/popgate/popgate/internal/visitor"
)

// Catalog is an immutable snapshot of the active campaigns and experiments
// for one store. Targeting rules are compiled here, once; hot-reload builds a
// fresh Catalog and the engine swaps it atomically.
type Catalog struct {
	campaigns   []*Campaign // sorted by (priority desc, createdAt asc, id asc)
	byID        map[string]*Campaign
	experiments map[string]*Experiment
}

// Build constructs a Catalog from a validated config. Draft and paused
// campaigns are excluded; they never reach evaluation.
func Build(cfg *config.File) (*Catalog, error) {
	cat := &Catalog{
		byID:        make(map[string]*Campaign),
		experiments: make(map[string]*Experiment),
	}

	for _, def := range cfg.Experiments {
		exp := &Experiment{ID: def.ID}
		for _, v := range def.Variants {
			exp.Variants = append(exp.Variants, Variant{
				Key:       v.Key,
				Percent:   v.Percent,
				IsControl: v.Control,
			})
		}
		// Canonical order: bucketing walks variants sorted by key.
		sort.Slice(exp.Variants, func(i, j int) bool {
			return exp.Variants[i].Key < exp.Variants[j].Key
		})
		cat.experiments[exp.ID] = exp
	}

	for _, def := range cfg.Campaigns {
		if Status(def.Status) != StatusActive {
			continue
		}
		c, err := buildCampaign(def)
		if err != nil {
			return nil, fmt.Errorf("campaign %s: %w", def.ID, err)
		}
		cat.campaigns = append(cat.campaigns, c)
		cat.byID[c.ID] = c
	}

	sort.Slice(cat.campaigns, func(i, j int) bool {
		return Less(cat.campaigns[i], cat.campaigns[j])
	})
	return cat, nil
}

func buildCampaign(def config.CampaignDef) (*Campaign, error) {
	devices := make([]visitor.Device, 0, len(def.Targeting.Devices))
	for _, d := range def.Targeting.Devices {
		devices = append(devices, visitor.Device(d))
	}
	rules, err := targeting.Compile(targeting.Rules{
		IncludeURLs: def.Targeting.IncludeURLs,
		ExcludeURLs: def.Targeting.ExcludeURLs,
		Tags:        def.Targeting.Tags,
		Devices:     devices,
		Audience: targeting.Audience{
			Visitor:    targeting.AudienceKind(def.Targeting.Audience.Visitor),
			Combine:    targeting.Combine(def.Targeting.Audience.Combine),
			Conditions: def.Targeting.Audience.Conditions,
		},
	})
	if err != nil {
		return nil, err
	}

	combine := Combine(def.Triggers.Combine)
	if combine == "" {
		combine = CombineAll
	}
	triggers := TriggerConfig{Combine: combine}
	for _, r := range def.Triggers.Rules {
		triggers.Rules = append(triggers.Rules, TriggerRule{
			Type:         TriggerType(r.Type),
			Sensitivity:  Sensitivity(r.Sensitivity),
			Percent:      r.Percent,
			Seconds:      r.Seconds,
			MinCartValue: r.MinCartValue,
			EventName:    r.Event,
		})
	}

	cta := CTAKind(def.CTA)
	if cta == "" {
		cta = CTANone
	}

	c := &Campaign{
		ID:        def.ID,
		Name:      def.Name,
		Priority:  def.Priority,
		Status:    Status(def.Status),
		Surface:   Surface(def.Surface),
		CTA:       cta,
		Rules:     rules,
		Cap: FrequencyCap{
			MaxPerSession:   def.FrequencyCap.MaxPerSession,
			MaxPerDay:       def.FrequencyCap.MaxPerDay,
			CooldownSeconds: def.FrequencyCap.CooldownSeconds,
		},
		Triggers:  triggers,
		CreatedAt: def.CreatedAt,
	}
	if def.ExperimentID != "" {
		c.Exp = &ExperimentRef{ExperimentID: def.ExperimentID, VariantKey: def.VariantKey}
	}
	return c, nil
}

// Less is the total display order: priority desc, createdAt asc, id asc.
// Ties always resolve the same way.
func Less(a, b *Campaign) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Campaigns returns the active campaigns in display order. Callers must not
// mutate the slice.
func (c *Catalog) Campaigns() []*Campaign {
	return c.campaigns
}

// Campaign returns an active campaign by ID, or nil.
func (c *Catalog) Campaign(id string) *Campaign {
	return c.byID[id]
}

// Experiment returns an experiment by ID, or nil.
func (c *Catalog) Experiment(id string) *Experiment {
	return c.experiments[id]
}

// Len returns the number of active campaigns.
func (c *Catalog) Len() int {
	return len(c.campaigns)
}

// CampaignsForExperiment returns the active campaigns attached to the given
// experiment, keyed by variant key. Used to decide whether a sticky variant's
// campaign is still live.
func (c *Catalog) CampaignsForExperiment(expID string) map[string]*Campaign {
	out := make(map[string]*Campaign)
	for _, cp := range c.campaigns {
		if cp.Exp != nil && cp.Exp.ExperimentID == expID {
			out[cp.Exp.VariantKey] = cp
		}
	}
	return out
}
