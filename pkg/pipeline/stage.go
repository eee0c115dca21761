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

package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// StageKind classifies what a stage does to its input.
type StageKind string

const (
	KindFilter    StageKind = "filter"
	KindTransform StageKind = "transform"
	KindValidate  StageKind = "validate"
	KindAggregate StageKind = "aggregate"
)

// Result is the outcome of one processing step.
type Result[T any] struct {
	Success      bool
	Data         T
	ErrorMessage string
	Metadata     map[string]any
}

// Ok wraps data in a successful result.
func Ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

// Fail builds a failed result carrying message.
func Fail[T any](message string) Result[T] {
	return Result[T]{ErrorMessage: message}
}

// Processor transforms one input. A failed Result stops the pipeline.
type Processor[T any] interface {
	Process(input T) Result[T]
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(input T) Result[T]

func (f ProcessorFunc[T]) Process(input T) Result[T] { return f(input) }

// Stage wraps a Processor with an id, an enabled flag and timing counters.
type Stage[T any] struct {
	id        string
	kind      StageKind
	processor Processor[T]
	enabled   atomic.Bool

	mu         sync.Mutex
	errorCount int
	lastTime   time.Duration
	totalTime  time.Duration
}

// NewStage creates an enabled stage.
func NewStage[T any](id string, kind StageKind, processor Processor[T]) *Stage[T] {
	s := &Stage[T]{id: id, kind: kind, processor: processor}
	s.enabled.Store(true)

	return s
}

func (s *Stage[T]) ID() string { return s.id }

func (s *Stage[T]) Kind() StageKind { return s.kind }

func (s *Stage[T]) Enabled() bool { return s.enabled.Load() }

func (s *Stage[T]) SetEnabled(enabled bool) { s.enabled.Store(enabled) }

// Processor returns the wrapped processor.
func (s *Stage[T]) Processor() Processor[T] { return s.processor }

// ProcessWithTiming runs the processor, recording its duration and failures.
// A disabled stage passes input through untouched. A panic becomes a failed result.
func (s *Stage[T]) ProcessWithTiming(input T) (res Result[T], elapsed time.Duration) {
	if !s.Enabled() {
		return Ok(input), 0
	}

	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = Fail[T](fmt.Sprintf("%v", r))
		}

		elapsed = time.Since(start)

		s.mu.Lock()
		s.lastTime = elapsed
		s.totalTime += elapsed
		if !res.Success {
			s.errorCount++
		}
		s.mu.Unlock()
	}()

	return s.processor.Process(input), 0
}

// StageStats is a point-in-time view of a stage's counters.
type StageStats struct {
	StageID               string    `json:"stage_id"`
	Enabled               bool      `json:"enabled"`
	StageType             StageKind `json:"stage_type"`
	ProcessingTimeMs      float64   `json:"processing_time_ms"`
	TotalProcessingTimeMs float64   `json:"total_processing_time_ms"`
	ErrorCount            int       `json:"error_count"`
}

func (s *Stage[T]) Stats() StageStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StageStats{
		StageID:               s.id,
		Enabled:               s.Enabled(),
		StageType:             s.kind,
		ProcessingTimeMs:      float64(s.lastTime) / float64(time.Millisecond),
		TotalProcessingTimeMs: float64(s.totalTime) / float64(time.Millisecond),
		ErrorCount:            s.errorCount,
	}
}

func (s *Stage[T]) clearStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errorCount = 0
	s.lastTime = 0
	s.totalTime = 0
}
