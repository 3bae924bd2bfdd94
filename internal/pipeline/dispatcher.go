package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Enqueue when the queue has no room left.
var ErrQueueFull = errors.New("pipeline: queue full")

// Processor runs one receipt through the pipeline.
type Processor interface {
	Process(ctx context.Context, id string) error
}

const (
	stateQueued = iota + 1
	stateRunning
	stateRerun // running, and asked for again meanwhile
)

// Dispatcher runs receipts on a fixed number of workers. A receipt is held
// by at most one worker; scheduling it again while it is queued is a no-op,
// while it runs it is run once more afterwards.
type Dispatcher struct {
	proc    Processor
	workers int
	queue   chan string

	mu    sync.Mutex
	state map[string]int
}

// NewDispatcher builds a dispatcher with the given worker count and queue size.
func NewDispatcher(p Processor, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Dispatcher{
		proc:    p,
		workers: workers,
		queue:   make(chan string, queueSize),
		state:   make(map[string]int),
	}
}

// Enqueue schedules a receipt. It never blocks.
func (d *Dispatcher) Enqueue(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state[id] {
	case stateQueued, stateRerun:
		return nil
	case stateRunning:
		d.state[id] = stateRerun
		return nil
	}
	select {
	case d.queue <- id:
		d.state[id] = stateQueued
		queueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports how many receipts are queued or running.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.state)
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished its current receipt.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-d.queue:
					queueDepth.Dec()
					d.handle(ctx, id)
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, id string) {
	d.mu.Lock()
	d.state[id] = stateRunning
	d.mu.Unlock()

	for {
		d.runOne(ctx, id)

		d.mu.Lock()
		if d.state[id] == stateRerun && ctx.Err() == nil {
			d.state[id] = stateRunning
			d.mu.Unlock()
			continue
		}
		delete(d.state, id)
		d.mu.Unlock()
		return
	}
}

func (d *Dispatcher) runOne(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Err(fmt.Errorf("panic: %v", r)).Str("receipt_id", id).Msg("pipeline worker recovered")
		}
	}()

	err := d.proc.Process(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		log.Debug().Str("receipt_id", id).Msg("receipt busy, skipped")
	case ctx.Err() != nil:
		log.Info().Str("receipt_id", id).Msg("processing interrupted by shutdown")
	default:
		log.Warn().Err(err).Str("receipt_id", id).Msg("processing ended with error")
	}
}
