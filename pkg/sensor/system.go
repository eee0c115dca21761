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

package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/united-manufacturing-hub/labcore/pkg/backoff"
	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

const TypeSystem = "system"

// System metrics the host probe can sample.
const (
	MetricCPU    = "cpu_percent"
	MetricMemory = "memory_percent"
	MetricLoad1  = "load1"
)

var (
	errUnknownMetric = errors.New("unknown system metric")
	errNoCPUSamples  = errors.New("no cpu samples")
)

type probe func(ctx context.Context) (float64, error)

var probes = map[string]probe{
	MetricCPU: func(ctx context.Context) (float64, error) {
		p, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return 0, err
		}

		if len(p) == 0 {
			return 0, errNoCPUSamples
		}

		return p[0], nil
	},
	MetricMemory: func(ctx context.Context) (float64, error) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, err
		}

		return vm.UsedPercent, nil
	},
	MetricLoad1: func(ctx context.Context) (float64, error) {
		avg, err := load.AvgWithContext(ctx)
		if err != nil {
			return 0, err
		}

		return avg.Load1, nil
	},
}

// System samples one host metric through gopsutil.
// The metric parameter selects cpu_percent (default), memory_percent or load1.
type System struct {
	cfg    models.DeviceConfig
	metric string
	probe  probe

	mu        sync.Mutex
	connected bool
}

// NewSystem is the Factory for TypeSystem.
func NewSystem(cfg models.DeviceConfig) (Device, error) {
	metric := cfg.StringParam("metric", MetricCPU)

	p, ok := probes[metric]
	if !ok {
		return nil, fmt.Errorf("device %s: %w %q", cfg.DeviceID, errUnknownMetric, metric)
	}

	return &System{cfg: cfg.Clone(), metric: metric, probe: p}, nil
}

// Initialize takes one probe sample to make sure the metric is readable here.
func (s *System) Initialize(ctx context.Context) error {
	s.mu.Lock()
	metric, p := s.metric, s.probe
	s.mu.Unlock()

	if _, err := p(ctx); err != nil {
		return backoff.NewPermanentError(fmt.Errorf("device %s: probe %s: %w", s.cfg.DeviceID, metric, err))
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	return nil
}

func (s *System) Read(ctx context.Context) (models.Reading, error) {
	s.mu.Lock()
	connected, metric, p := s.connected, s.metric, s.probe
	s.mu.Unlock()

	if !connected {
		return models.Reading{}, &DeviceReadError{DeviceID: s.cfg.DeviceID, Err: ErrNotConnected}
	}

	v, err := p(ctx)
	if err != nil {
		return models.Reading{}, &DeviceReadError{DeviceID: s.cfg.DeviceID, Err: err}
	}

	r := models.NewReading(s.cfg.DeviceID, v, time.Now())
	r.Metadata["device_type"] = TypeSystem
	r.Metadata["metric"] = metric

	return r, nil
}

// Configure switches the sampled metric.
func (s *System) Configure(_ context.Context, params map[string]any) error {
	metric, ok := params["metric"].(string)
	if !ok {
		return nil
	}

	p, ok := probes[metric]
	if !ok {
		return fmt.Errorf("device %s: %w %q", s.cfg.DeviceID, errUnknownMetric, metric)
	}

	s.mu.Lock()
	s.metric, s.probe = metric, p
	s.mu.Unlock()

	return nil
}

func (s *System) Cleanup(context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	return nil
}

func (s *System) ID() string { return s.cfg.DeviceID }

func (s *System) Kind() string { return TypeSystem }

func (s *System) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connected
}
