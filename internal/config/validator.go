package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/popgate/popgate/internal/targeting"
	"github.com/popgate/popgate/internal/visitor"
)

// Validate enforces activation-time invariants so that nothing about a
// campaign can fail during evaluation:
//   - unique campaign and experiment IDs
//   - traffic allocations summing to 100 with exactly one control variant
//   - known surfaces, statuses, devices, trigger types and their params
//   - parseable targeting patterns and audience expressions
//   - campaign experiment references resolving to a declared variant
//
// All problems are collected and reported together.
func Validate(cfg *File) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	expVariants := make(map[string]map[string]bool) // experiment id → variant keys
	expIDs := make(map[string]bool)
	for i, exp := range cfg.Experiments {
		if exp.ID == "" {
			errs = append(errs, fmt.Sprintf("experiments[%d]: id is required", i))
			continue
		}
		if expIDs[exp.ID] {
			errs = append(errs, fmt.Sprintf("duplicate experiment id %q", exp.ID))
			continue
		}
		expIDs[exp.ID] = true
		expVariants[exp.ID] = make(map[string]bool)
		validateExperiment(exp, expVariants[exp.ID], &errs)
	}

	campaignIDs := make(map[string]bool)
	for i, c := range cfg.Campaigns {
		if c.ID == "" {
			errs = append(errs, fmt.Sprintf("campaigns[%d]: id is required", i))
			continue
		}
		if campaignIDs[c.ID] {
			errs = append(errs, fmt.Sprintf("duplicate campaign id %q", c.ID))
			continue
		}
		campaignIDs[c.ID] = true
		validateCampaign(c, expVariants, &errs)
	}

	switch cfg.Engine.FallbackPolicy {
	case "fallback_to_control", "ineligible":
	default:
		errs = append(errs, fmt.Sprintf("engine: unknown fallback_policy %q", cfg.Engine.FallbackPolicy))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateExperiment(exp ExperimentDef, keys map[string]bool, errs *[]string) {
	loc := "experiment " + exp.ID
	if len(exp.Variants) < 2 {
		*errs = append(*errs, fmt.Sprintf("%s: at least two variants required", loc))
	}
	var sum float64
	controls := 0
	for _, v := range exp.Variants {
		if v.Key == "" {
			*errs = append(*errs, fmt.Sprintf("%s: variant key is required", loc))
			continue
		}
		if keys[v.Key] {
			*errs = append(*errs, fmt.Sprintf("%s: duplicate variant key %q", loc, v.Key))
			continue
		}
		keys[v.Key] = true
		if v.Percent < 0 {
			*errs = append(*errs, fmt.Sprintf("%s: variant %q has negative allocation", loc, v.Key))
		}
		sum += v.Percent
		if v.Control {
			controls++
		}
	}
	if math.Abs(sum-100) > 1e-6 {
		*errs = append(*errs, fmt.Sprintf("%s: traffic allocation sums to %g, must be 100", loc, sum))
	}
	if controls != 1 {
		*errs = append(*errs, fmt.Sprintf("%s: exactly one control variant required, found %d", loc, controls))
	}
}

func validateCampaign(c CampaignDef, expVariants map[string]map[string]bool, errs *[]string) {
	loc := "campaign " + c.ID

	switch c.Status {
	case "active", "draft", "paused":
	default:
		*errs = append(*errs, fmt.Sprintf("%s: unknown status %q", loc, c.Status))
	}
	switch c.Surface {
	case "center_modal", "corner_modal", "banner", "notification_strip":
	default:
		*errs = append(*errs, fmt.Sprintf("%s: unknown surface %q", loc, c.Surface))
	}
	switch c.CTA {
	case "", "none", "email_capture", "discount_code":
	default:
		*errs = append(*errs, fmt.Sprintf("%s: unknown cta %q", loc, c.CTA))
	}
	if c.CreatedAt.IsZero() {
		*errs = append(*errs, fmt.Sprintf("%s: created_at is required", loc))
	}

	if c.FrequencyCap.MaxPerSession < 0 || c.FrequencyCap.MaxPerDay < 0 || c.FrequencyCap.CooldownSeconds < 0 {
		*errs = append(*errs, fmt.Sprintf("%s: frequency cap values must not be negative", loc))
	}

	validateTriggers(loc, c.Triggers, errs)

	// Compiling targeting exercises every pattern and expression.
	devices := make([]visitor.Device, 0, len(c.Targeting.Devices))
	for _, d := range c.Targeting.Devices {
		devices = append(devices, visitor.Device(d))
	}
	_, err := targeting.Compile(targeting.Rules{
		IncludeURLs: c.Targeting.IncludeURLs,
		ExcludeURLs: c.Targeting.ExcludeURLs,
		Tags:        c.Targeting.Tags,
		Devices:     devices,
		Audience: targeting.Audience{
			Visitor:    targeting.AudienceKind(c.Targeting.Audience.Visitor),
			Combine:    targeting.Combine(c.Targeting.Audience.Combine),
			Conditions: c.Targeting.Audience.Conditions,
		},
	})
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %s", loc, err))
	}

	if c.ExperimentID != "" {
		keys, ok := expVariants[c.ExperimentID]
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: references unknown experiment %q", loc, c.ExperimentID))
		} else if c.VariantKey == "" {
			*errs = append(*errs, fmt.Sprintf("%s: variant_key is required with experiment_id", loc))
		} else if !keys[c.VariantKey] {
			*errs = append(*errs, fmt.Sprintf("%s: experiment %q has no variant %q", loc, c.ExperimentID, c.VariantKey))
		}
	} else if c.VariantKey != "" {
		*errs = append(*errs, fmt.Sprintf("%s: variant_key set without experiment_id", loc))
	}
}

func validateTriggers(loc string, t TriggersDef, errs *[]string) {
	switch t.Combine {
	case "", "and", "or":
	default:
		*errs = append(*errs, fmt.Sprintf("%s: unknown trigger combine %q", loc, t.Combine))
	}
	if len(t.Rules) == 0 {
		*errs = append(*errs, fmt.Sprintf("%s: at least one trigger rule is required", loc))
	}
	for i, r := range t.Rules {
		rloc := fmt.Sprintf("%s.triggers[%d]", loc, i)
		switch r.Type {
		case "page_load", "add_to_cart":
			// no params
		case "exit_intent":
			switch r.Sensitivity {
			case "", "low", "medium", "high":
			default:
				*errs = append(*errs, fmt.Sprintf("%s: unknown sensitivity %q", rloc, r.Sensitivity))
			}
		case "scroll_depth":
			if r.Percent <= 0 || r.Percent > 100 {
				*errs = append(*errs, fmt.Sprintf("%s: percent must be in (0,100], got %g", rloc, r.Percent))
			}
		case "time_delay", "idle":
			if r.Seconds <= 0 {
				*errs = append(*errs, fmt.Sprintf("%s: seconds must be positive, got %g", rloc, r.Seconds))
			}
		case "cart_value":
			if r.MinCartValue <= 0 {
				*errs = append(*errs, fmt.Sprintf("%s: min_cart_value must be positive, got %g", rloc, r.MinCartValue))
			}
		case "custom_event":
			if r.Event == "" {
				*errs = append(*errs, fmt.Sprintf("%s: event name is required", rloc))
			}
		default:
			*errs = append(*errs, fmt.Sprintf("%s: unknown trigger type %q", rloc, r.Type))
		}
	}
}
