package analytics

import (
	"context"
	"log/slog"
	"sync"

	"github.com/popgate/popgate/internal/metrics"
)

// Emitter decouples the evaluation path from sink latency: Publish enqueues
// without blocking and a background worker fans events out to every sink.
// When the buffer is full the event is dropped and counted; analytics loss is
// always preferable to a stalled storefront response.
type Emitter struct {
	registry *Registry
	queue    chan *Event
	log      *slog.Logger
	wg       sync.WaitGroup
}

// NewEmitter creates an Emitter and starts its delivery worker. Cancel ctx,
// then call Drain, to shut down.
func NewEmitter(ctx context.Context, registry *Registry, buffer int, log *slog.Logger) *Emitter {
	e := &Emitter{
		registry: registry,
		queue:    make(chan *Event, buffer),
		log:      log,
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case ev, ok := <-e.queue:
				if !ok {
					return
				}
				e.deliver(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}()
	return e
}

// Publish enqueues an event without blocking. Returns false if dropped.
func (e *Emitter) Publish(ev *Event) bool {
	select {
	case e.queue <- ev:
		metrics.AnalyticsEvents.WithLabelValues(string(ev.Type)).Inc()
		return true
	default:
		metrics.AnalyticsDropped.Inc()
		return false
	}
}

// Drain closes the queue and waits for in-flight deliveries.
func (e *Emitter) Drain() {
	close(e.queue)
	e.wg.Wait()
}

func (e *Emitter) deliver(ctx context.Context, ev *Event) {
	for _, s := range e.registry.All() {
		if err := s.Deliver(ctx, ev); err != nil {
			e.log.Warn("analytics sink failed", "sink", s.Name(), "event_id", ev.ID, "err", err)
		}
	}
}
