// Package dispatch serializes mirror update runs. All update triggers, the
// webhook handler and the batch CLI alike, go through a single Dispatcher
// whose one worker goroutine runs update passes strictly one at a time.
// That worker is the only guard for the shared mirror tree, there are no
// filesystem locks.
//
// Requests that arrive while a pass is in flight are drained together and
// coalesced into one pass over the union of their target sets. A request
// for all mirrors (an empty target set) absorbs the union.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/utilitywarehouse/github-mirror/internal/lock"
)

// queueSize bounds pending async requests. Dispatch drops on overflow
// rather than blocking the webhook handler.
const queueSize = 100

// UpdateFunc runs one update pass over the named mirrors, all configured
// mirrors when names is empty.
type UpdateFunc func(ctx context.Context, names []string) error

type request struct {
	names []string
	// done, when set, receives the outcome of the pass that served the
	// request. buffered so the worker never blocks on an abandoned waiter.
	done chan error
}

// Dispatcher owns the update queue and its single worker. A Dispatcher is
// safe for concurrent use by multiple goroutines.
type Dispatcher struct {
	update UpdateFunc
	queue  chan request
	log    *slog.Logger

	lock    lock.Mutex
	running bool

	// Stopped is closed once the worker has fully wound down after Run's
	// ctx is cancelled.
	Stopped chan bool
}

func New(update UpdateFunc, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		update:  update,
		queue:   make(chan request, queueSize),
		log:     log,
		Stopped: make(chan bool),
	}
}

// Run processes update requests until ctx is cancelled, one pass at a
// time. It must be called once, further calls while the worker is running
// return immediately.
func (d *Dispatcher) Run(ctx context.Context) {
	d.lock.Lock()
	if d.running {
		d.lock.Unlock()
		d.log.Error("dispatch loop has already been started")
		return
	}
	d.running = true
	d.lock.Unlock()

	d.log.Info("started update dispatch loop")

	defer func() {
		d.lock.Lock()
		d.running = false
		d.lock.Unlock()
		close(d.Stopped)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			names, waiters := d.drainAndCoalesce(req)
			d.runPass(ctx, names, waiters)
		}
	}
}

// drainAndCoalesce merges the given request with everything already queued
// into one target set and one waiter list. The merged set is the union of
// the requests' sets, except that any request for all mirrors widens the
// pass to all mirrors (nil).
func (d *Dispatcher) drainAndCoalesce(first request) ([]string, []chan error) {
	var names []string
	var waiters []chan error

	all := len(first.names) == 0
	seen := make(map[string]bool)
	for _, n := range first.names {
		seen[n] = true
		names = append(names, n)
	}
	if first.done != nil {
		waiters = append(waiters, first.done)
	}

	count := 1
	for {
		select {
		case req := <-d.queue:
			count++
			if req.done != nil {
				waiters = append(waiters, req.done)
			}
			if len(req.names) == 0 {
				all = true
				continue
			}
			for _, n := range req.names {
				if !seen[n] {
					seen[n] = true
					names = append(names, n)
				}
			}
		default:
			if all {
				names = nil
			}
			if count > 1 {
				d.log.Debug("coalesced queued update requests", "count", count, "names", names)
			}
			return names, waiters
		}
	}
}

func (d *Dispatcher) runPass(ctx context.Context, names []string, waiters []chan error) {
	err := d.update(ctx, names)
	if err != nil && len(waiters) == 0 {
		d.log.Error("update pass failed", "names", names, "err", err)
	}
	for _, done := range waiters {
		done <- err
	}
}

// Dispatch queues an update of the named mirrors, all mirrors when no
// names are given. It never blocks, if the queue is full the request is
// dropped with an error log. The queue is memory only, pending requests
// are lost on shutdown.
func (d *Dispatcher) Dispatch(names ...string) {
	select {
	case d.queue <- request{names: names}:
	default:
		d.log.Error("update queue is full, dropping request", "names", names)
	}
}

// DispatchSync queues an update of the named mirrors and blocks until the
// pass serving it finishes, returning that pass's error. When the request
// gets coalesced with others the shared pass outcome is returned.
func (d *Dispatcher) DispatchSync(ctx context.Context, names ...string) error {
	done := make(chan error, 1)
	select {
	case d.queue <- request{names: names, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
