// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/labcore/pkg/logger"
	"github.com/united-manufacturing-hub/labcore/pkg/metrics"
	"github.com/united-manufacturing-hub/labcore/pkg/sentry"
)

const defaultWorkerCount = 10

var (
	// ErrInProgress is returned when work for the same key is already queued or running.
	ErrInProgress = errors.New("work already in progress")
	// ErrQueueFull is returned when the queue has no free slot.
	ErrQueueFull = errors.New("work queue full")
	// ErrClosed is returned when the pool is not running.
	ErrClosed = errors.New("worker pool is not running")
)

// Pool runs blocking calls on a fixed number of goroutines.
// At most one call per key is queued or running at any time.
type Pool struct {
	name        string
	workerCount int
	queue       chan job
	log         *zap.SugaredLogger

	mu         sync.Mutex
	inProgress map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type job struct {
	ctx  context.Context
	key  string
	fn   func(ctx context.Context) error
	done chan error
}

// New creates a pool with workerCount workers and a queue twice that size.
func New(name string, workerCount int, log *zap.SugaredLogger) *Pool {
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}

	return &Pool{
		name:        name,
		workerCount: workerCount,
		queue:       make(chan job, workerCount*2),
		inProgress:  make(map[string]bool),
		log:         logger.OrDefault(log, logger.ComponentWorkerPool).With("pool", name),
	}
}

// Start launches the workers. They stop when ctx is cancelled or on Shutdown.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)

		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return

		case j := <-p.queue:
			metrics.SetQueueDepth(p.name, len(p.queue))
			err := p.run(j)

			// release the key before the caller can observe the result
			p.mu.Lock()
			delete(p.inProgress, j.key)
			p.mu.Unlock()

			j.done <- err
		}
	}
}

func (p *Pool) run(j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()

	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = sentry.ReportPanic(p.log, "worker pool job "+j.key, r)
		}
	}()

	return j.fn(ctx)
}

// Do queues fn under key and waits for it to finish or for ctx to end.
// If ctx ends first the key stays busy until fn actually returns.
func (p *Pool) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.ctx == nil || p.ctx.Err() != nil {
		p.mu.Unlock()
		return ErrClosed
	}
	poolCtx := p.ctx

	if p.inProgress[key] {
		p.mu.Unlock()
		metrics.IncPoolRejected(p.name, "in_progress")

		return fmt.Errorf("%w: %s", ErrInProgress, key)
	}
	p.inProgress[key] = true
	p.mu.Unlock()

	j := job{ctx: ctx, key: key, fn: fn, done: make(chan error, 1)}

	select {
	case p.queue <- j:
		metrics.SetQueueDepth(p.name, len(p.queue))
	default:
		p.mu.Lock()
		delete(p.inProgress, key)
		p.mu.Unlock()
		metrics.IncPoolRejected(p.name, "queue_full")

		return ErrQueueFull
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-poolCtx.Done():
		return ErrClosed
	}
}

// Busy reports whether work for key is queued or running.
func (p *Pool) Busy(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.inProgress[key]
}

// Shutdown stops the workers and waits for running calls to return.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	p.wg.Wait()
}
