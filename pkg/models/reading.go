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
	"math"
	"time"

	"github.com/tiendc/go-deepcopy"
)

// Status is the health of a single reading.
type Status string

const (
	StatusOK          Status = "ok"
	StatusError       Status = "error"
	StatusOffline     Status = "offline"
	StatusCalibrating Status = "calibrating"
	StatusTimeout     Status = "timeout"
)

// Reading is one sample taken from a device.
// Treat it as immutable: the With* helpers return modified copies.
type Reading struct {
	DeviceID     string         `json:"device_id"`
	Value        *float64       `json:"value"`
	Timestamp    float64        `json:"timestamp"`
	Status       Status         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// UnixSeconds converts t to fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// NewReading creates an OK reading taken at ts.
func NewReading(deviceID string, value float64, ts time.Time) Reading {
	return Reading{
		DeviceID:  deviceID,
		Value:     Float(value),
		Timestamp: UnixSeconds(ts),
		Status:    StatusOK,
		Metadata:  make(map[string]any),
	}
}

// NewErrorReading creates a value-less ERROR reading stamped now.
func NewErrorReading(deviceID, message string) Reading {
	return Reading{
		DeviceID:     deviceID,
		Timestamp:    UnixSeconds(time.Now()),
		Status:       StatusError,
		ErrorMessage: message,
		Metadata:     make(map[string]any),
	}
}

// NewOfflineReading creates a value-less OFFLINE reading stamped now.
func NewOfflineReading(deviceID, message string) Reading {
	return Reading{
		DeviceID:     deviceID,
		Timestamp:    UnixSeconds(time.Now()),
		Status:       StatusOffline,
		ErrorMessage: message,
		Metadata:     make(map[string]any),
	}
}

// IsValid reports whether the reading is OK and carries a value.
func (r Reading) IsValid() bool {
	return r.Status == StatusOK && r.Value != nil
}

// Time returns the timestamp as time.Time.
func (r Reading) Time() time.Time {
	sec, frac := math.Modf(r.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Clone returns a copy that shares no memory with r.
func (r Reading) Clone() Reading {
	c := r
	if r.Value != nil {
		c.Value = Float(*r.Value)
	}

	c.Metadata = make(map[string]any, len(r.Metadata))
	if err := deepcopy.Copy(&c.Metadata, &r.Metadata); err != nil {
		c.Metadata = maps.Clone(r.Metadata)
	}

	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}

	return c
}

// WithStatus returns a copy with status and message replaced.
func (r Reading) WithStatus(status Status, message string) Reading {
	c := r.Clone()
	c.Status = status
	c.ErrorMessage = message

	return c
}

// WithValue returns a copy carrying value. A nil value clears it.
func (r Reading) WithValue(value *float64) Reading {
	c := r.Clone()
	c.Value = nil

	if value != nil {
		c.Value = Float(*value)
	}

	return c
}

// WithMetadata returns a copy with the given keys set on its metadata.
func (r Reading) WithMetadata(kv map[string]any) Reading {
	c := r.Clone()
	maps.Copy(c.Metadata, kv)

	return c
}
