// Package events carries per-request completion events from the dispatcher
// to any number of observers without ever blocking the request path.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

// RequestEvent describes one finished fetch job.  Wait is time spent queued
// before a worker picked the job up; Duration is queue wait plus execution.
type RequestEvent struct {
	JobID     string        `json:"job_id"`
	URL       string        `json:"url"`
	Host      string        `json:"host"`
	SourceIP  string        `json:"source_ip"`
	Persona   string        `json:"persona"`
	Status    int           `json:"status"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Attempts  int           `json:"attempts"`
	Bytes     int64         `json:"bytes"`
	Wait      time.Duration `json:"wait"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Bus fans values out to subscribers.  Publish never blocks: a subscriber
// whose buffer is full loses the event and the loss is counted, so a stalled
// observer can never back-pressure the fetch path.
type Bus[T any] struct {
	subs   *xsync.Map[string, chan T]
	buffer int
	drops  *xsync.Counter
}

// New returns a bus whose subscribers each get a buffer of the given size.
// Sizes below 1 are raised to 64.
func New[T any](buffer int) *Bus[T] {
	if buffer < 1 {
		buffer = 64
	}
	return &Bus[T]{
		subs:   xsync.NewMap[string, chan T](),
		buffer: buffer,
		drops:  xsync.NewCounter(),
	}
}

// Subscribe registers a new observer.  The subscription ends when ctx is
// cancelled or the returned cancel function is called, whichever comes
// first.  The channel is never closed; receivers must also select on their
// own ctx.Done.
func (b *Bus[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	id := uuid.NewString()
	ch := make(chan T, b.buffer)
	b.subs.Store(id, ch)

	cancel := func() { b.subs.Delete(id) }
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel
}

// Publish delivers ev to every current subscriber, dropping it for those
// with full buffers.
func (b *Bus[T]) Publish(ev T) {
	b.subs.Range(func(_ string, ch chan T) bool {
		select {
		case ch <- ev:
		default:
			b.drops.Add(1)
		}
		return true
	})
}

// Drops returns how many deliveries were discarded due to full buffers.
func (b *Bus[T]) Drops() int64 { return b.drops.Value() }

// Subscribers returns the current subscriber count.
func (b *Bus[T]) Subscribers() int { return b.subs.Size() }
