package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Sink delivers events to one destination (a log, a warehouse forwarder, …).
type Sink interface {
	// Name returns the string key this sink is registered under.
	Name() string
	// Deliver hands one event to the destination.
	Deliver(ctx context.Context, ev *Event) error
}

// Registry maps sink names to implementations. Safe for concurrent reads;
// Register should only be called at startup.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register adds a sink. Panics on duplicate name to surface misconfiguration
// early.
func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sinks[s.Name()]; exists {
		panic(fmt.Sprintf("analytics registry: duplicate sink %q", s.Name()))
	}
	r.sinks[s.Name()] = s
}

// All returns the registered sinks.
func (r *Registry) All() []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s)
	}
	return out
}

// LogSink writes events to the structured log. It is the default sink and
// doubles as the development transport.
type LogSink struct {
	Log *slog.Logger
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, ev *Event) error {
	s.Log.Info("analytics event",
		"type", string(ev.Type),
		"campaign_id", ev.CampaignID,
		"experiment_id", ev.ExperimentID,
		"variant_key", ev.VariantKey,
		"visitor_id", ev.VisitorID,
		"session_id", ev.SessionID,
		"page_url", ev.PageURL,
	)
	return nil
}
