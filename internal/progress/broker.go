// Package progress estimates run completion from model-call counts and fans
// progress events out to subscribers.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/segment-cli/internal/model"
)

// Event is one progress update for a run. Seq is the event's offset in the
// run's topic, starting at 0.
type Event struct {
	RunID      string      `json:"run_id"`
	Seq        int         `json:"seq"`
	Percent    float64     `json:"percent"`
	CallsDone  int         `json:"calls_done"`
	CallsTotal int         `json:"calls_total"`
	CacheHits  int         `json:"cache_hits"`
	Stage      model.Stage `json:"stage"`
	At         time.Time   `json:"at"`
}

type topic struct {
	events []Event
	closed bool
	// wake is closed and replaced on every append or close.
	wake chan struct{}
}

func newTopic() *topic {
	return &topic{wake: make(chan struct{})}
}

func (t *topic) broadcast() {
	close(t.wake)
	t.wake = make(chan struct{})
}

// Broker keeps an append-only event log per run. Subscribers replay the log
// from any offset and then follow it live.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

func (b *Broker) topicFor(runID string) *topic {
	t, ok := b.topics[runID]
	if !ok {
		t = newTopic()
		b.topics[runID] = t
	}
	return t
}

// Publish appends ev to its run's topic and returns it with Seq set.
// Publishing to a closed topic is a no-op.
func (b *Broker) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicFor(ev.RunID)
	if t.closed {
		return ev
	}
	ev.Seq = len(t.events)
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	t.events = append(t.events, ev)
	t.broadcast()
	return ev
}

// Close marks the run's topic finished. Subscribers drain the remaining
// events and then see their channel closed.
func (b *Broker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicFor(runID)
	if t.closed {
		return
	}
	t.closed = true
	t.broadcast()
}

// Events returns a copy of the run's log.
func (b *Broker) Events(runID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		return nil
	}
	return append([]Event(nil), t.events...)
}

// Last returns the most recent event of the run, if any.
func (b *Broker) Last(runID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok || len(t.events) == 0 {
		return Event{}, false
	}
	return t.events[len(t.events)-1], true
}

// Subscribe streams the run's events starting at offset from. The channel is
// closed when the topic is closed and drained, or when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, runID string, from int) <-chan Event {
	if from < 0 {
		from = 0
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		next := from
		for {
			b.mu.Lock()
			t := b.topicFor(runID)
			var pending []Event
			if next < len(t.events) {
				pending = append(pending, t.events[next:]...)
			}
			closed, wake := t.closed, t.wake
			b.mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
					next++
				case <-ctx.Done():
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			if closed {
				return
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
