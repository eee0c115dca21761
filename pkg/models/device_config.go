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

package models

import (
	"maps"
	"time"

	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPollInterval applies when poll_interval_ms is missing or not positive.
	DefaultPollInterval = 1000 * time.Millisecond

	DefaultChannel  = 0
	DefaultBaudrate = 9600
	DefaultTimeout  = 2.0
)

// DeviceConfig describes one configured device.
// DeviceType selects the factory that builds it.
type DeviceConfig struct {
	DeviceID       string         `yaml:"device_id"        json:"device_id"`
	DeviceType     string         `yaml:"device_type"      json:"device_type"`
	Category       string         `yaml:"category"         json:"category,omitempty"`
	Enabled        bool           `yaml:"enabled"          json:"enabled"`
	PollIntervalMs int            `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	Parameters     map[string]any `yaml:"parameters"       json:"parameters"`
}

// UnmarshalYAML defaults enabled to true when the key is absent.
func (c *DeviceConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain DeviceConfig

	raw := plain{Enabled: true}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	*c = DeviceConfig(raw)

	return nil
}

// PollInterval returns the polling period, falling back to DefaultPollInterval.
func (c DeviceConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return DefaultPollInterval
	}

	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Clone returns a deep copy of c.
func (c DeviceConfig) Clone() DeviceConfig {
	var clone DeviceConfig
	if err := deepcopy.Copy(&clone, &c); err != nil {
		clone = c
		clone.Parameters = maps.Clone(c.Parameters)
	}

	return clone
}

// Normalized returns a copy whose parameters carry the well-known driver
// keys, filled with defaults where the config leaves them out.
func (c DeviceConfig) Normalized() DeviceConfig {
	n := c.Clone()
	if n.Parameters == nil {
		n.Parameters = make(map[string]any)
	}

	setDefault := func(key string, def any) {
		if v, ok := n.Parameters[key]; !ok || v == nil {
			n.Parameters[key] = def
		}
	}

	setDefault("port", nil)
	setDefault("channel", DefaultChannel)
	setDefault("baudrate", DefaultBaudrate)
	setDefault("timeout", DefaultTimeout)
	setDefault("interface", nil)
	setDefault("name", c.DeviceID)

	if n.PollIntervalMs <= 0 {
		n.PollIntervalMs = int(DefaultPollInterval / time.Millisecond)
	}

	return n
}

// FloatParam reads a numeric parameter regardless of its decoded type.
func (c DeviceConfig) FloatParam(key string, def float64) float64 {
	switch v := c.Parameters[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	default:
		return def
	}
}

// StringParam reads a string parameter.
func (c DeviceConfig) StringParam(key, def string) string {
	if v, ok := c.Parameters[key].(string); ok && v != "" {
		return v
	}

	return def
}
