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

package ctxutil

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrTaskNotDone is returned by Result and Err while the task is still running.
var ErrTaskNotDone = errors.New("task is not done yet")

// PanicError carries a panic recovered from a task.
type PanicError struct {
	TaskID string
	Value  interface{}
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.TaskID, e.Value)
}

// TaskHandle is the caller-side reference to one unit of background work.
// Cancel only cancels the work's context; the work stops at its next blocking call.
type TaskHandle[T any] struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	// written once before done is closed
	result T
	err    error
}

// Go starts fn in its own goroutine with a context derived from parent.
func Go[T any](parent context.Context, id string, fn func(ctx context.Context) (T, error)) *TaskHandle[T] {
	ctx, cancel := context.WithCancel(parent)
	h := &TaskHandle[T]{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				h.err = &PanicError{TaskID: id, Value: r, Stack: debug.Stack()}
			}
		}()

		h.result, h.err = fn(ctx)
	}()

	return h
}

// ID returns the task id given to Go.
func (h *TaskHandle[T]) ID() string { return h.id }

// Done reports whether the task has finished.
func (h *TaskHandle[T]) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// DoneChan is closed when the task finishes.
func (h *TaskHandle[T]) DoneChan() <-chan struct{} { return h.done }

// Cancel requests cooperative cancellation.
func (h *TaskHandle[T]) Cancel() { h.cancel() }

// Result returns the task's result, or ErrTaskNotDone while it runs.
func (h *TaskHandle[T]) Result() (T, error) {
	if !h.Done() {
		var zero T
		return zero, ErrTaskNotDone
	}

	return h.result, h.err
}

// Err returns the error the task finished with, or ErrTaskNotDone while it runs.
func (h *TaskHandle[T]) Err() error {
	if !h.Done() {
		return ErrTaskNotDone
	}

	return h.err
}

// Cancelled reports whether the task finished because its context was cancelled.
func (h *TaskHandle[T]) Cancelled() bool {
	return h.Done() && errors.Is(h.err, context.Canceled)
}

// Wait blocks until the task finishes or ctx is done.
// A ctx timeout leaves the task running.
func (h *TaskHandle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
