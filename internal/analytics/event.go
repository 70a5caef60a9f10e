// Package analytics models the events the engine emits about popup display
// and interaction. Transport and storage are external; the engine hands
// events to registered sinks and moves on.
package analytics

import "time"

// EventType enumerates what happened.
type EventType string

const (
	EventView         EventType = "VIEW"
	EventClick        EventType = "CLICK"
	EventClose        EventType = "CLOSE"
	EventSubmit       EventType = "SUBMIT"
	EventCouponIssued EventType = "COUPON_ISSUED"
)

// KnownEventType reports whether t is a recognized event type.
func KnownEventType(t EventType) bool {
	switch t {
	case EventView, EventClick, EventClose, EventSubmit, EventCouponIssued:
		return true
	}
	return false
}

// Event is one analytics record.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	CampaignID   string    `json:"campaign_id"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	VariantKey   string    `json:"variant_key,omitempty"`
	VisitorID    string    `json:"visitor_id"`
	SessionID    string    `json:"session_id"`
	PageURL      string    `json:"page_url"`
	Timestamp    time.Time `json:"timestamp"`
}
