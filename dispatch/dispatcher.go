// Package dispatch accepts fetch jobs from the client-facing layer, bounds
// how many execute at once, and reports one completion event per job.
package dispatch

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/firasghr/GoEgressFleet/engine"
	"github.com/firasghr/GoEgressFleet/events"
	"github.com/firasghr/GoEgressFleet/metrics"
)

// Fetcher is the slice of the engine the dispatcher needs.  Tests substitute
// stubs; production passes *engine.Engine.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts engine.Options) (*engine.Result, error)
}

var (
	// ErrQueueFull is returned by Submit when the bounded queue is at
	// capacity.  Overload is reported to the submitter instead of being
	// absorbed into unbounded memory.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrStopped is returned by Submit after Stop has begun.
	ErrStopped = errors.New("dispatch: dispatcher stopped")
)

// Outcome is the terminal report of one job.
type Outcome struct {
	JobID  string
	Result *engine.Result
	Err    error

	// Wait is time spent queued, Exec is time inside the engine, Total is
	// submission to report.
	Wait  time.Duration
	Exec  time.Duration
	Total time.Duration
}

// Ticket is the caller's handle on a submitted job.  Done receives exactly
// one Outcome and is never closed.
type Ticket struct {
	ID   string
	Done <-chan Outcome
}

type job struct {
	id     string
	url    string
	opts   engine.Options
	ctx    context.Context
	done   chan Outcome
	queued time.Time
}

// Options tunes the dispatcher.
type Options struct {
	// Workers is the number of concurrent engine invocations.  Values
	// below 1 mean 10.
	Workers int

	// QueueCapacity is how many jobs may wait beyond the executing ones.
	// Values below 1 mean Workers*4, enough of a burst buffer that workers
	// pick up the next job without a handoff stall.
	QueueCapacity int
}

// Dispatcher owns the worker goroutines between Start and Stop.
//
// Design choices:
//   - A fixed worker count over a buffered channel, so the engine's
//     concurrency ceiling is exactly Workers no matter how many clients
//     submit at once.
//   - Submit never blocks: a full queue is an explicit ErrQueueFull so the
//     client-facing layer can answer 503 instead of silently stacking work.
//   - A job whose context is already dead when dequeued is reported as
//     cancelled without touching the engine.
//   - Stop closes the queue, lets drained workers finish, and past the grace
//     period cancels the root context that every running job is bound to.
type Dispatcher struct {
	fetcher Fetcher
	bus     *events.Bus[events.RequestEvent]
	stats   *metrics.Stats

	queue   chan *job
	workers int

	mu      sync.RWMutex // serialises Submit sends against Stop's close
	stopped bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New wires a dispatcher.  bus and stats may be nil; events and queue-wait
// observations are then skipped.
func New(f Fetcher, bus *events.Bus[events.RequestEvent], stats *metrics.Stats, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 10
	}
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = opts.Workers * 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		fetcher:    f,
		bus:        bus,
		stats:      stats,
		queue:      make(chan *job, opts.QueueCapacity),
		workers:    opts.Workers,
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Start launches the worker goroutines.  Safe to call once; later calls are
// no-ops.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				for j := range d.queue {
					d.execute(j)
				}
			}()
		}
		log.Info().Int("workers", d.workers).Int("queue_capacity", cap(d.queue)).
			Msg("dispatch: workers started")
	})
}

// Submit queues one fetch job.  ctx governs the job for its whole life:
// cancelling it aborts queue wait, network attempts, and backoff sleeps.
func (d *Dispatcher) Submit(ctx context.Context, rawURL string, opts engine.Options) (*Ticket, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return nil, ErrStopped
	}

	j := &job{
		id:     uuid.NewString(),
		url:    rawURL,
		opts:   opts,
		ctx:    ctx,
		done:   make(chan Outcome, 1),
		queued: time.Now(),
	}
	select {
	case d.queue <- j:
		return &Ticket{ID: j.id, Done: j.done}, nil
	default:
		return nil, ErrQueueFull
	}
}

// QueueDepth reports how many jobs are waiting for a worker.
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }

// Workers reports the configured worker count.
func (d *Dispatcher) Workers() int { return d.workers }

// Stop rejects further submissions, lets queued and running jobs finish for
// the grace period, and then cancels whatever is still running.  Returns
// true when everything drained within the grace period.  Idempotent; later
// calls return true without waiting.
func (d *Dispatcher) Stop(grace time.Duration) bool {
	clean := true
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		// No Submit can be mid-send past this point, so the close is safe.
		// Workers drain what is already queued; the engine's shutdown flag
		// turns those into fast rejections.
		close(d.queue)

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-done:
			log.Info().Msg("dispatch: drained cleanly")
		case <-t.C:
			clean = false
			log.Warn().Dur("grace", grace).Msg("dispatch: grace period expired, cancelling in-flight jobs")
			d.rootCancel()
			<-done
		}
	})
	return clean
}

// execute runs one dequeued job to its terminal outcome.
func (d *Dispatcher) execute(j *job) {
	wait := time.Since(j.queued)
	if d.stats != nil {
		d.stats.RecordQueueWait(wait)
	}

	if err := j.ctx.Err(); err != nil {
		// Cancelled while queued: report without invoking the engine.
		d.finish(j, nil, err, wait, 0)
		return
	}

	runCtx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	detach := context.AfterFunc(d.rootCtx, cancel)
	defer detach()

	begin := time.Now()
	res, err := d.fetcher.Fetch(runCtx, j.url, j.opts)
	d.finish(j, res, err, wait, time.Since(begin))
}

func (d *Dispatcher) finish(j *job, res *engine.Result, err error, wait, exec time.Duration) {
	out := Outcome{
		JobID:  j.id,
		Result: res,
		Err:    err,
		Wait:   wait,
		Exec:   exec,
		Total:  time.Since(j.queued),
	}
	j.done <- out
	d.publish(j, out)
}

// publish emits the per-job completion event.
func (d *Dispatcher) publish(j *job, out Outcome) {
	if d.bus == nil {
		return
	}
	ev := events.RequestEvent{
		JobID:     j.id,
		URL:       j.url,
		Wait:      out.Wait,
		Duration:  out.Total,
		Timestamp: time.Now(),
	}
	if u, err := url.Parse(j.url); err == nil {
		ev.Host = u.Hostname()
	}
	if out.Result != nil {
		ev.Status = out.Result.Status
		ev.SourceIP = out.Result.SourceIP.String()
		ev.Persona = out.Result.Persona
		ev.Attempts = out.Result.Attempts
		ev.Bytes = int64(len(out.Result.Body))
	}
	if out.Err != nil {
		ev.ErrorKind = errorKind(out.Err)
	}
	d.bus.Publish(ev)
}

// errorKind renders a job error for the event stream.
func errorKind(err error) string {
	if kind := engine.KindOf(err); kind != "" {
		return string(kind)
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "CANCELLED"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}
