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

// Package pipeline runs values through an ordered list of stages and stops
// at the first stage that fails.
package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/labcore/pkg/logger"
	"github.com/united-manufacturing-hub/labcore/pkg/metrics"
)

// ErrDuplicateStage is returned by AddStage when the stage id is taken.
var ErrDuplicateStage = errors.New("stage id already exists")

// ConfigurationError reports an invalid stage parameter.
type ConfigurationError struct {
	Parameter string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Parameter, e.Reason)
}

type Pipeline[T any] struct {
	id  string
	log *zap.SugaredLogger

	mu             sync.RWMutex
	stages         []*Stage[T]
	index          map[string]*Stage[T]
	totalProcessed int
	totalErrors    int
}

func New[T any](id string, log *zap.SugaredLogger) *Pipeline[T] {
	return &Pipeline[T]{
		id:    id,
		log:   logger.OrDefault(log, logger.ComponentPipeline).With("pipeline", id),
		index: make(map[string]*Stage[T]),
	}
}

func (p *Pipeline[T]) ID() string { return p.id }

// AddStage appends s. Stage ids are unique within a pipeline.
func (p *Pipeline[T]) AddStage(s *Stage[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.index[s.ID()]; ok {
		return fmt.Errorf("%w: %q in pipeline %s", ErrDuplicateStage, s.ID(), p.id)
	}

	p.stages = append(p.stages, s)
	p.index[s.ID()] = s
	p.log.Debugw("Added processing stage", "stage", s.ID(), "kind", s.Kind())

	return nil
}

func (p *Pipeline[T]) RemoveStage(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.index[id]
	if !ok {
		return false
	}

	p.stages = slices.DeleteFunc(p.stages, func(x *Stage[T]) bool { return x == s })
	delete(p.index, id)
	p.log.Debugw("Removed processing stage", "stage", id)

	return true
}

func (p *Pipeline[T]) Stage(id string) (*Stage[T], bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.index[id]

	return s, ok
}

func (p *Pipeline[T]) SetStageEnabled(id string, enabled bool) bool {
	s, ok := p.Stage(id)
	if !ok {
		return false
	}

	s.SetEnabled(enabled)

	return true
}

// Process runs input through the enabled stages in insertion order.
// The first failing stage's result is returned and later stages are skipped.
func (p *Pipeline[T]) Process(input T) Result[T] {
	p.mu.Lock()
	p.totalProcessed++
	stages := slices.Clone(p.stages)
	p.mu.Unlock()

	current := input

	for _, s := range stages {
		if !s.Enabled() {
			continue
		}

		res, elapsed := s.ProcessWithTiming(current)
		metrics.ObserveStage(p.id, s.ID(), elapsed, !res.Success)

		if !res.Success {
			p.mu.Lock()
			p.totalErrors++
			p.mu.Unlock()

			p.log.Warnw("Processing failed", "stage", s.ID(), "error", res.ErrorMessage)

			return res
		}

		current = res.Data
	}

	return Ok(current)
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	PipelineID     string       `json:"pipeline_id"`
	TotalProcessed int          `json:"total_processed"`
	TotalErrors    int          `json:"total_errors"`
	SuccessRate    float64      `json:"success_rate"`
	Stages         []StageStats `json:"stages"`
}

func (p *Pipeline[T]) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{
		PipelineID:     p.id,
		TotalProcessed: p.totalProcessed,
		TotalErrors:    p.totalErrors,
		SuccessRate:    float64(p.totalProcessed-p.totalErrors) / float64(max(1, p.totalProcessed)),
		Stages:         make([]StageStats, 0, len(p.stages)),
	}

	for _, s := range p.stages {
		stats.Stages = append(stats.Stages, s.Stats())
	}

	return stats
}

// ClearStats zeroes the pipeline and stage counters. Filter state is kept.
func (p *Pipeline[T]) ClearStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalProcessed = 0
	p.totalErrors = 0

	for _, s := range p.stages {
		s.clearStats()
	}
}
