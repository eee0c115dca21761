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

// Package supervisor tracks named background tasks, cancels them on request
// and shuts them all down within a bounded time.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/labcore/pkg/ctxutil"
	"github.com/united-manufacturing-hub/labcore/pkg/logger"
	"github.com/united-manufacturing-hub/labcore/pkg/metrics"
	"github.com/united-manufacturing-hub/labcore/pkg/sentry"
)

var (
	// ErrDuplicateID is returned when a task id is already tracked.
	ErrDuplicateID = errors.New("task id already tracked")
	// ErrNotStarted is returned when work is scheduled before Start.
	ErrNotStarted = errors.New("supervisor loop is not running")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("supervisor already started")
	// ErrShutdownTimeout is returned when tasks are still running after Shutdown's timeout.
	ErrShutdownTimeout = errors.New("tasks still pending after shutdown")
)

const (
	transitionRegistered = "registered"
	transitionStarted    = "started"
	transitionFinished   = "finished"
	transitionCancelled  = "cancelled"
	transitionFailed     = "failed"
)

// Work is a unit of background work. It must return once ctx is cancelled.
type Work func(ctx context.Context) (any, error)

// ErrorHandler is called with the task id and error when a task fails.
type ErrorHandler func(id string, err error)

// Handle is the caller-side reference to a scheduled task.
type Handle = ctxutil.TaskHandle[any]

type Supervisor struct {
	name string
	log  *zap.SugaredLogger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	tasks  map[string]*Handle

	counter atomic.Uint64
	done    chan struct{}
}

// New creates a supervisor. It accepts work only after Start.
func New(name string, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		name:  name,
		log:   logger.OrDefault(log, logger.ComponentSupervisor).With("supervisor", name),
		tasks: make(map[string]*Handle),
		done:  make(chan struct{}),
	}
}

// Start binds the supervisor to ctx. Every task context derives from it.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	go func(ctx context.Context) {
		<-ctx.Done()
		close(s.done)
	}(s.ctx)

	return nil
}

// Stop ends the supervisor loop. Running tasks see their context cancelled.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// Done is closed once the loop has stopped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Name returns the supervisor name used in logs and metrics.
func (s *Supervisor) Name() string { return s.name }

// Schedule runs work under id. An empty id becomes task-N.
func (s *Supervisor) Schedule(work Work, id string) (*Handle, error) {
	return s.ScheduleWithErrorHandler(work, id, nil)
}

// ScheduleWithErrorHandler is Schedule with a callback invoked when the task fails.
// Cancellation is not a failure. Panics in onError are logged and dropped.
func (s *Supervisor) ScheduleWithErrorHandler(work Work, id string, onError ErrorHandler) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil || s.ctx.Err() != nil {
		return nil, ErrNotStarted
	}

	if id == "" {
		id = fmt.Sprintf("task-%d", s.counter.Add(1))
	}

	// a finished task may linger until its watcher removes it
	if existing, exists := s.tasks[id]; exists && !existing.Done() {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	h := ctxutil.Go(s.ctx, id, func(ctx context.Context) (any, error) {
		s.log.Debugw("task_started", "task_id", id)
		metrics.IncTaskTransition(s.name, transitionStarted)

		return work(ctx)
	})
	s.tasks[id] = h

	s.log.Debugw("task_registered", "task_id", id)
	metrics.IncTaskTransition(s.name, transitionRegistered)
	metrics.SetTasksTracked(s.name, len(s.tasks))

	go s.watch(h, onError)

	return h, nil
}

// watch logs the task outcome and removes it from the tracked set.
func (s *Supervisor) watch(h *Handle, onError ErrorHandler) {
	<-h.DoneChan()

	err := h.Err()

	switch {
	case err == nil:
		s.log.Debugw("task_finished", "task_id", h.ID())
		metrics.IncTaskTransition(s.name, transitionFinished)
	case h.Cancelled():
		s.log.Debugw("task_cancelled", "task_id", h.ID())
		metrics.IncTaskTransition(s.name, transitionCancelled)
	default:
		s.log.Errorw("task_failed", "task_id", h.ID(), "error", err)
		metrics.IncTaskTransition(s.name, transitionFailed)
		metrics.IncErrorCount(metrics.ComponentSupervisor, s.name)
		s.notify(onError, h.ID(), err)
	}

	s.mu.Lock()
	if s.tasks[h.ID()] == h {
		delete(s.tasks, h.ID())
	}
	metrics.SetTasksTracked(s.name, len(s.tasks))
	s.mu.Unlock()
}

func (s *Supervisor) notify(onError ErrorHandler, id string, err error) {
	if onError == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			_ = sentry.ReportPanic(s.log, "task error handler "+id, r)
		}
	}()

	onError(id, err)
}

// Handle returns the tracked task with id, or nil.
func (s *Supervisor) Handle(id string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tasks[id]
}

// Tracked returns the ids of all tracked tasks, sorted.
func (s *Supervisor) Tracked() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)

	return ids
}

// Len returns the number of tracked tasks.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

// Cancel cancels the task with id and waits up to timeout for it to end.
// It reports true when the task ended cleanly or by cancellation.
func (s *Supervisor) Cancel(id string, timeout time.Duration) bool {
	h := s.Handle(id)
	if h == nil {
		return false
	}

	if h.Done() {
		return h.Err() == nil
	}

	h.Cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.DoneChan():
	case <-timer.C:
		s.log.Warnw("task_cancel_timeout", "task_id", id, "timeout", timeout)

		return false
	}

	err := h.Err()

	return err == nil || errors.Is(err, context.Canceled)
}

// Shutdown cancels every tracked task and waits up to timeout for them.
// Tracking is cleared afterwards, even for tasks that did not stop in time.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.tasks))
	for _, h := range s.tasks {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var pending []string

	for _, h := range handles {
		select {
		case <-h.DoneChan():
		case <-deadline.C:
			// the timer fires once; everything not yet done is pending
			for _, rest := range handles {
				if !rest.Done() {
					pending = append(pending, rest.ID())
				}
			}
		}

		if pending != nil {
			break
		}
	}

	s.mu.Lock()
	s.tasks = make(map[string]*Handle)
	metrics.SetTasksTracked(s.name, 0)
	s.mu.Unlock()

	if len(pending) > 0 {
		sort.Strings(pending)
		s.log.Warnw("pending_after_shutdown", "tasks", pending, "timeout", timeout)

		return fmt.Errorf("%w: %v", ErrShutdownTimeout, pending)
	}

	s.log.Debugw("shutdown_complete", "tasks", len(handles))

	return nil
}
