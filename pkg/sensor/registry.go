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
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

var (
	ErrUnknownDeviceType = errors.New("unknown device type")
	ErrInvalidFactory    = errors.New("invalid device factory")
)

// Factory builds a device from its configuration.
type Factory func(cfg models.DeviceConfig) (Device, error)

// Registry maps device types to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in drivers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(TypeSimulated, NewSimulated)
	_ = r.Register(TypeSystem, NewSystem)

	return r
}

// Register adds or replaces the factory for deviceType.
func (r *Registry) Register(deviceType string, factory Factory) error {
	if deviceType == "" {
		return fmt.Errorf("%w: empty device type", ErrInvalidFactory)
	}

	if factory == nil {
		return fmt.Errorf("%w: nil factory for %s", ErrInvalidFactory, deviceType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[deviceType] = factory

	return nil
}

func (r *Registry) Lookup(deviceType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[deviceType]

	return f, ok
}

// Types returns the registered device types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	r.mu.RUnlock()

	sort.Strings(types)

	return types
}

// New builds a device with the factory registered for cfg.DeviceType.
func (r *Registry) New(cfg models.DeviceConfig) (Device, error) {
	f, ok := r.Lookup(cfg.DeviceType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDeviceType, cfg.DeviceType)
	}

	return f(cfg)
}
