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

// Package sensor defines the capability set every instrument driver offers
// and the registry that maps device types to driver factories.
package sensor

import (
	"context"
	"errors"
	"fmt"

	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

// ErrNotConnected is returned by Read on a device that is not initialized.
var ErrNotConnected = errors.New("device not connected")

// Device is an instrument the polling engine can drive.
// Methods may block on I/O and must honour ctx.
type Device interface {
	// Initialize opens the connection. It is also used to reconnect after Cleanup.
	Initialize(ctx context.Context) error
	// Read takes one sample. Failures return an error; they are not encoded in the Reading.
	Read(ctx context.Context) (models.Reading, error)
	// Configure applies driver parameters at runtime.
	Configure(ctx context.Context, params map[string]any) error
	// Cleanup releases the connection.
	Cleanup(ctx context.Context) error

	ID() string
	Connected() bool
	// Kind is the device type the device was created from.
	Kind() string
}

// DeviceReadError wraps a failure raised by a driver's Read.
type DeviceReadError struct {
	DeviceID string
	Err      error
}

func (e *DeviceReadError) Error() string {
	return fmt.Sprintf("read from device %s failed: %v", e.DeviceID, e.Err)
}

func (e *DeviceReadError) Unwrap() error {
	return e.Err
}
