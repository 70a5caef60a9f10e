// Package signal defines the canonical runtime signal model. The storefront
// snippet reports raw browser activity as signals; the trigger detector folds
// them into per-campaign trigger state.
package signal

import "time"

// Kind identifies what a signal describes.
type Kind string

const (
	KindPageLoad   Kind = "page_load"
	KindPointer    Kind = "pointer" // pointer position sample
	KindScroll     Kind = "scroll"  // scroll depth sample
	KindCartUpdate Kind = "cart_update"
	KindAddToCart  Kind = "add_to_cart"
	KindCustom     Kind = "custom"    // arbitrary named storefront event
	KindHeartbeat  Kind = "heartbeat" // periodic tick driving time/idle triggers
)

// Signal is one observation from a page view. Only the fields relevant to
// Kind carry meaning.
type Signal struct {
	ID         string    `json:"id"`
	PageViewID string    `json:"page_view_id"`
	Kind       Kind      `json:"kind"`
	At         time.Time `json:"at"`

	X         float64 `json:"x,omitempty"`          // pointer: viewport px from left
	Y         float64 `json:"y,omitempty"`          // pointer: viewport px from top
	Depth     float64 `json:"depth,omitempty"`      // scroll: percent of page scrolled, 0–100
	CartValue float64 `json:"cart_value,omitempty"` // cart_update / add_to_cart
	Name      string  `json:"name,omitempty"`       // custom event name
}
