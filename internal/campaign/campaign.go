// Package campaign holds the domain model for popup campaigns, experiments,
// and the immutable catalog the engine evaluates against.
package campaign

import (
	"time"

	"github.com/popgate/popgate/internal/targeting"
)

// Status is a campaign's lifecycle state. Only active campaigns enter the
// catalog; draft and paused campaigns are invisible to evaluation.
type Status string

const (
	StatusActive Status = "active"
	StatusDraft  Status = "draft"
	StatusPaused Status = "paused"
)

// Surface is the visual placement a popup occupies. Distinct surfaces resolve
// independently; at most one campaign wins per surface per evaluation.
type Surface string

const (
	SurfaceCenterModal Surface = "center_modal"
	SurfaceCornerModal Surface = "corner_modal"
	SurfaceBanner      Surface = "banner"
	SurfaceNotifStrip  Surface = "notification_strip"
)

// KnownSurface reports whether s is a recognized surface.
func KnownSurface(s Surface) bool {
	switch s {
	case SurfaceCenterModal, SurfaceCornerModal, SurfaceBanner, SurfaceNotifStrip:
		return true
	}
	return false
}

// CTAKind describes what the popup's call-to-action needs from the backend.
type CTAKind string

const (
	CTANone         CTAKind = "none"
	CTAEmailCapture CTAKind = "email_capture"
	CTADiscountCode CTAKind = "discount_code"
)

// FrequencyCap limits how often one visitor sees one campaign. Zero values
// disable the corresponding limit.
type FrequencyCap struct {
	MaxPerSession   int
	MaxPerDay       int
	CooldownSeconds int
}

// ExperimentRef is a campaign's back-reference into an experiment. The
// campaign never holds the Experiment or Variant itself; ownership is
// one-directional (Experiment owns Variants) and the catalog resolves the
// reference by lookup.
type ExperimentRef struct {
	ExperimentID string
	VariantKey   string
}

// Campaign is one marketing popup definition, read-only to this engine.
type Campaign struct {
	ID        string
	Name      string
	Priority  int // higher wins
	Status    Status
	Surface   Surface
	CTA       CTAKind
	Rules     *targeting.RuleSet
	Cap       FrequencyCap
	Triggers  TriggerConfig
	Exp       *ExperimentRef // nil when the campaign is not under experiment
	CreatedAt time.Time
}

// Variant is one treatment arm of an experiment.
type Variant struct {
	Key       string
	Percent   float64 // traffic allocation, all variants sum to 100
	IsControl bool
}

// Experiment owns its variants. Variants are kept sorted by key; bucketing
// walks them in that canonical order.
type Experiment struct {
	ID       string
	Variants []Variant
}

// ControlKey returns the control variant's key, or "" if none is marked.
func (e *Experiment) ControlKey() string {
	for _, v := range e.Variants {
		if v.IsControl {
			return v.Key
		}
	}
	return ""
}

// Variant returns the variant with the given key, or nil.
func (e *Experiment) Variant(key string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].Key == key {
			return &e.Variants[i]
		}
	}
	return nil
}
