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

// Package config loads the labcore YAML configuration: the configured devices,
// the processing pipeline, storage, experiment defaults and the status API.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/labcore/pkg/experiment"
	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

const (
	DefaultConfigPath = "/data/labcore.yaml"
	DefaultDataDir    = "data/store"
	DefaultAPIAddr    = ":8080"
	DefaultPipeline   = "temperature"
)

// ErrEmptyConfig is returned when the config file parses to nothing.
var ErrEmptyConfig = errors.New("config file is empty")

// FullConfig is the root of the YAML file.
type FullConfig struct {
	Acquisition AcquisitionConfig     `yaml:"acquisition"`
	Pipeline    PipelineConfig        `yaml:"pipeline"`
	Storage     StorageConfig         `yaml:"storage"`
	Experiments ExperimentsConfig     `yaml:"experiments"`
	API         APIConfig             `yaml:"api"`
	Devices     []models.DeviceConfig `yaml:"devices"`
}

// AcquisitionConfig tunes the polling engine. Zero values select the engine defaults.
type AcquisitionConfig struct {
	Workers            int     `yaml:"workers"`
	ReconnectThreshold int     `yaml:"reconnect_threshold"`
	StopTimeoutSeconds float64 `yaml:"stop_timeout_seconds"`
}

func (a AcquisitionConfig) StopTimeout() time.Duration {
	return time.Duration(a.StopTimeoutSeconds * float64(time.Second))
}

type PipelineConfig struct {
	// Name selects a built-in pipeline: temperature, minimal or none.
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

type StorageConfig struct {
	DataDir  string `yaml:"data_dir"`
	InMemory bool   `yaml:"in_memory"`
}

// ExperimentsConfig holds the orchestrator layout and an optional experiment
// to start with the daemon.
type ExperimentsConfig struct {
	BaseDir         string `yaml:"base_dir"`
	RawSubdir       string `yaml:"raw_subdir"`
	ProcessedSubdir string `yaml:"processed_subdir"`
	NamingLayout    string `yaml:"naming_layout"`
	// AutoCompress is the default for experiments that do not set it.
	AutoCompress bool               `yaml:"auto_compress"`
	Autostart    *experiment.Config `yaml:"autostart,omitempty"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig is written when no config file exists yet.
func DefaultConfig() FullConfig {
	return FullConfig{
		Pipeline: PipelineConfig{Name: DefaultPipeline, ID: "readings"},
		Storage:  StorageConfig{DataDir: DefaultDataDir},
		Experiments: ExperimentsConfig{
			BaseDir:      experiment.DefaultBaseDir,
			AutoCompress: true,
		},
		API: APIConfig{Enabled: true, Addr: DefaultAPIAddr},
		Devices: []models.DeviceConfig{
			{
				DeviceID:       "sim-1",
				DeviceType:     "simulated",
				Enabled:        true,
				PollIntervalMs: 1000,
				Parameters:     map[string]any{"offset": 21.0, "amplitude": 2.0, "noise": 0.1},
			},
		},
	}
}

// Clone returns a deep copy of c.
func (c FullConfig) Clone() FullConfig {
	var clone FullConfig
	if err := deepcopy.Copy(&clone, &c); err != nil {
		clone = c
		clone.Devices = make([]models.DeviceConfig, len(c.Devices))

		for i, d := range c.Devices {
			clone.Devices[i] = d.Clone()
		}

		if c.Experiments.Autostart != nil {
			autostart := c.Experiments.Autostart.Clone()
			clone.Experiments.Autostart = &autostart
		}
	}

	return clone
}

// IsZero reports whether nothing at all was configured.
func (c FullConfig) IsZero() bool {
	return len(c.Devices) == 0 &&
		c.Acquisition == AcquisitionConfig{} &&
		c.Pipeline == PipelineConfig{} &&
		c.Storage == StorageConfig{} &&
		c.API == APIConfig{} &&
		c.Experiments == ExperimentsConfig{}
}

// withDefaults fills empty settings. Devices are left as configured.
func (c FullConfig) withDefaults() FullConfig {
	if c.Pipeline.ID == "" {
		c.Pipeline.ID = "readings"
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir
	}

	if c.Experiments.BaseDir == "" {
		c.Experiments.BaseDir = experiment.DefaultBaseDir
	}

	if c.API.Addr == "" {
		c.API.Addr = DefaultAPIAddr
	}

	if a := c.Experiments.Autostart; a != nil {
		if a.DataCollectionIntervalMs == 0 {
			a.DataCollectionIntervalMs = experiment.DefaultCollectionIntervalMs
		}

		a.AutoCompress = a.AutoCompress || c.Experiments.AutoCompress
	}

	return c
}

// ValidationError describes an invalid device entry.
type ValidationError struct {
	DeviceID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("invalid device config: %s %s", e.Field, e.Reason)
	}

	return fmt.Sprintf("invalid device config %q: %s %s", e.DeviceID, e.Field, e.Reason)
}

// ValidateDeviceConfig checks a single device entry.
func ValidateDeviceConfig(cfg models.DeviceConfig) error {
	switch {
	case strings.TrimSpace(cfg.DeviceID) == "":
		return &ValidationError{Field: "device_id", Reason: "must not be empty"}
	case strings.ContainsAny(cfg.DeviceID, `/\`):
		return &ValidationError{DeviceID: cfg.DeviceID, Field: "device_id", Reason: "must not contain path separators"}
	case strings.TrimSpace(cfg.DeviceType) == "":
		return &ValidationError{DeviceID: cfg.DeviceID, Field: "device_type", Reason: "must not be empty"}
	case cfg.PollIntervalMs < 0:
		return &ValidationError{DeviceID: cfg.DeviceID, Field: "poll_interval_ms", Reason: "must not be negative"}
	}

	return nil
}

// Validate checks every device, rejects duplicate device ids and validates the
// autostart experiment. All problems are joined into one error.
func (c FullConfig) Validate() error {
	var errs []error

	seen := make(map[string]struct{}, len(c.Devices))

	for _, d := range c.Devices {
		if err := ValidateDeviceConfig(d); err != nil {
			errs = append(errs, err)
			continue
		}

		if _, dup := seen[d.DeviceID]; dup {
			errs = append(errs, &ValidationError{DeviceID: d.DeviceID, Field: "device_id", Reason: "is duplicated"})
			continue
		}

		seen[d.DeviceID] = struct{}{}
	}

	if c.Acquisition.Workers < 0 {
		errs = append(errs, errors.New("acquisition.workers must not be negative"))
	}

	if c.Experiments.Autostart != nil {
		if err := c.Experiments.Autostart.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("experiments.autostart: %w", err))
		}
	}

	return errors.Join(errs...)
}
