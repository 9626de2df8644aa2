package engine

import (
	"github.com/roach88/tarn/internal/ir"
)

// Subscription delivers one Event per applied event that changed the
// materialized state. C is closed when the subscription ends, either by
// Unsubscribe, by Close, or because the subscriber fell too far behind.
type Subscription struct {
	C  <-chan ir.Event
	ch chan ir.Event
}

// Subscribe registers a subscriber and returns it together with the full
// state the deltas apply to. No event is applied between taking the state
// and registering.
func (e *Engine) Subscribe() (*Subscription, []ir.ViewChanges) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan ir.Event, e.subBuf)
	sub := &Subscription{C: ch, ch: ch}
	e.subs[sub] = struct{}{}
	e.metrics.Subscribers.Inc()
	return sub, e.flow.AsChanges()
}

// Unsubscribe ends sub. Calling it twice is harmless.
func (e *Engine) Unsubscribe(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropLocked(sub)
}

func (e *Engine) dropLocked(sub *Subscription) {
	if _, ok := e.subs[sub]; !ok {
		return
	}
	delete(e.subs, sub)
	close(sub.ch)
	e.metrics.Subscribers.Dec()
}
