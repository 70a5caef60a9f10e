// Package visitor defines the visitor/session context threaded through every
// evaluation call. There is no process-wide session state; everything the
// engine knows about the shopper arrives in a Context value.
package visitor

import (
	"errors"
	"strings"
	"time"
)

// Device classifies the shopper's device.
type Device string

const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
	DeviceTablet  Device = "tablet"
)

// KnownDevice reports whether d is one of the recognized device classes.
func KnownDevice(d Device) bool {
	switch d {
	case DeviceDesktop, DeviceMobile, DeviceTablet:
		return true
	}
	return false
}

// ErrInvalidContext is returned when a context lacks the identity needed for
// frequency capping and sticky experiment assignment. The engine selects no
// campaign in that case.
var ErrInvalidContext = errors.New("visitor context missing visitor_id or session_id")

// Context is the canonical per-request visitor model.
type Context struct {
	VisitorID   string            `json:"visitor_id"`
	SessionID   string            `json:"session_id"`
	PageViewID  string            `json:"page_view_id"`
	IsReturning bool              `json:"is_returning"`
	Device      Device            `json:"device"`
	PageURL     string            `json:"page_url"`
	Referrer    string            `json:"referrer,omitempty"`
	PageTags    []string          `json:"page_tags,omitempty"` // product/collection tags of the current page
	CartValue   float64           `json:"cart_value"`
	Attrs       map[string]any    `json:"attrs,omitempty"` // custom session attributes
	Meta        map[string]string `json:"meta,omitempty"`  // store, region, etc.
	StartedAt   time.Time         `json:"-"`
}

// Validate checks that the context carries enough identity to honor caps and
// sticky assignments.
func (c *Context) Validate() error {
	if c == nil || strings.TrimSpace(c.VisitorID) == "" || strings.TrimSpace(c.SessionID) == "" {
		return ErrInvalidContext
	}
	return nil
}

// HasTag reports whether the current page carries the given tag.
func (c *Context) HasTag(tag string) bool {
	for _, t := range c.PageTags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Resolve walks a dot-separated path into the context's fields. It satisfies
// the condition package's attribute resolver so audience expressions like
// `attrs.plan == "premium"` or `visitor.cart_value > 50` evaluate against
// this context.
func (c *Context) Resolve(path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	switch path[0] {
	case "attrs":
		if c.Attrs == nil {
			return nil, false
		}
		return resolveMap(c.Attrs, path[1:])
	case "meta":
		if c.Meta == nil || len(path) != 2 {
			return nil, false
		}
		v, ok := c.Meta[path[1]]
		return v, ok
	case "visitor":
		if len(path) != 2 {
			return nil, false
		}
		switch path[1] {
		case "id":
			return c.VisitorID, true
		case "session_id":
			return c.SessionID, true
		case "is_returning":
			return c.IsReturning, true
		case "device":
			return string(c.Device), true
		case "cart_value":
			return c.CartValue, true
		case "page_url":
			return c.PageURL, true
		case "referrer":
			return c.Referrer, true
		}
	}
	return nil, false
}

func resolveMap(m map[string]any, path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	val, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return val, true
	}
	sub, ok := val.(map[string]any)
	if !ok {
		return nil, false
	}
	return resolveMap(sub, path[1:])
}
