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
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/labcore/pkg/backoff"
	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

const TypeSimulated = "simulated"

var (
	errInjectedRead = errors.New("injected read failure")
	errInjectedInit = errors.New("injected initialization failure")
)

// Simulated is an instrument producing offset + amplitude·sin(2πt/period)
// plus gaussian noise from a seeded source.
//
// Parameters: offset, amplitude, period_s, noise, seed, fail_every
// (every Nth read fails) and fail_initialize.
type Simulated struct {
	cfg models.DeviceConfig
	now func() time.Time

	mu        sync.Mutex
	connected bool
	reads     int
	rng       *rand.Rand

	offset, amplitude, period, noise float64
	failEvery                        int
	failInit                         bool
}

// NewSimulated is the Factory for TypeSimulated.
func NewSimulated(cfg models.DeviceConfig) (Device, error) {
	s := &Simulated{cfg: cfg.Clone(), now: time.Now}
	if err := s.apply(cfg.Parameters); err != nil {
		return nil, err
	}

	seed := uint64(s.cfg.FloatParam("seed", 1))
	s.rng = rand.New(rand.NewPCG(seed, seed))

	return s, nil
}

func (s *Simulated) apply(params map[string]any) error {
	c := models.DeviceConfig{Parameters: params}

	s.offset = c.FloatParam("offset", 20)
	s.amplitude = c.FloatParam("amplitude", 5)
	s.period = c.FloatParam("period_s", 60)
	s.noise = c.FloatParam("noise", 0)
	s.failEvery = int(c.FloatParam("fail_every", 0))

	if v, ok := params["fail_initialize"].(bool); ok {
		s.failInit = v
	}

	if s.period <= 0 {
		return fmt.Errorf("device %s: period_s must be positive, got %v", s.cfg.DeviceID, s.period)
	}

	if s.noise < 0 {
		return fmt.Errorf("device %s: noise must not be negative, got %v", s.cfg.DeviceID, s.noise)
	}

	return nil
}

func (s *Simulated) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failInit {
		return backoff.NewPermanentError(fmt.Errorf("device %s: %w", s.cfg.DeviceID, errInjectedInit))
	}

	s.connected = true

	return nil
}

func (s *Simulated) Read(ctx context.Context) (models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return models.Reading{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return models.Reading{}, &DeviceReadError{DeviceID: s.cfg.DeviceID, Err: ErrNotConnected}
	}

	s.reads++
	if s.failEvery > 0 && s.reads%s.failEvery == 0 {
		return models.Reading{}, &DeviceReadError{
			DeviceID: s.cfg.DeviceID,
			Err:      backoff.NewTransientError(errInjectedRead),
		}
	}

	ts := s.now()
	t := float64(ts.UnixNano()) / float64(time.Second)
	v := s.offset + s.amplitude*math.Sin(2*math.Pi*t/s.period)

	if s.noise > 0 {
		v += s.noise * s.rng.NormFloat64()
	}

	r := models.NewReading(s.cfg.DeviceID, v, ts)
	r.Metadata["device_type"] = TypeSimulated
	r.Metadata["sample"] = s.reads

	return r, nil
}

func (s *Simulated) Configure(ctx context.Context, params map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]any, len(s.cfg.Parameters)+len(params))
	for k, v := range s.cfg.Parameters {
		merged[k] = v
	}

	for k, v := range params {
		merged[k] = v
	}

	if err := s.apply(merged); err != nil {
		// restore the previous settings
		_ = s.apply(s.cfg.Parameters)
		return err
	}

	s.cfg.Parameters = merged

	return nil
}

func (s *Simulated) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false

	return nil
}

func (s *Simulated) ID() string { return s.cfg.DeviceID }

func (s *Simulated) Kind() string { return TypeSimulated }

func (s *Simulated) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connected
}
