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

package experiment

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

// State is the lifecycle state of the orchestrator and of each experiment result.
type State string

const (
	StateIdle        State = "idle"
	StateConfiguring State = "configuring"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateStopping    State = "stopping"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether s ends an experiment run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Phase is the sub-state of a running experiment.
type Phase string

const (
	PhaseInitialization Phase = "initialization"
	PhaseWarmup         Phase = "warmup"
	PhaseProcessing     Phase = "processing"
	PhaseCooldown       Phase = "cooldown"
	PhaseCleanup        Phase = "cleanup"
)

func (p Phase) valid() bool {
	switch p {
	case PhaseInitialization, PhaseWarmup, PhaseProcessing, PhaseCooldown, PhaseCleanup:
		return true
	default:
		return false
	}
}

const DefaultCollectionIntervalMs = 1000

// Config describes one experiment.
type Config struct {
	Name        string `json:"name"        yaml:"name"`
	Description string `json:"description" yaml:"description"`
	// DurationMinutes bounds the run when > 0. Fractions are allowed.
	DurationMinutes          float64        `json:"duration_minutes,omitempty"   yaml:"duration_minutes"`
	AutoStartSensors         bool           `json:"auto_start_sensors"           yaml:"auto_start_sensors"`
	AutoStartControllers     bool           `json:"auto_start_controllers"       yaml:"auto_start_controllers"`
	SensorIDs                []string       `json:"sensor_ids"                   yaml:"sensor_ids"`
	ControllerIDs            []string       `json:"controller_ids"               yaml:"controller_ids"`
	DataCollectionIntervalMs int            `json:"data_collection_interval_ms" yaml:"data_collection_interval_ms"`
	AutoCompress             bool           `json:"auto_compress"                yaml:"auto_compress"`
	CustomParameters         map[string]any `json:"custom_parameters"            yaml:"custom_parameters"`
}

// Interval returns the collection tick period.
func (c Config) Interval() time.Duration {
	if c.DataCollectionIntervalMs <= 0 {
		return DefaultCollectionIntervalMs * time.Millisecond
	}

	return time.Duration(c.DataCollectionIntervalMs) * time.Millisecond
}

// Duration returns the auto-stop delay, or 0 for an unbounded run.
func (c Config) Duration() time.Duration {
	if c.DurationMinutes <= 0 {
		return 0
	}

	return time.Duration(c.DurationMinutes * float64(time.Minute))
}

func (c Config) Clone() Config {
	var out Config
	if err := deepcopy.Copy(&out, &c); err != nil {
		out = c
	}

	return out
}

// Validate checks the fields the orchestrator relies on.
func (c Config) Validate() error {
	if c.Name == "" {
		return &ConfigurationError{Field: "name", Reason: "must not be empty"}
	}

	if filepath.Base(c.Name) != c.Name {
		return &ConfigurationError{Field: "name", Reason: "must not contain path separators"}
	}

	if c.DurationMinutes < 0 {
		return &ConfigurationError{Field: "duration_minutes", Reason: "must not be negative"}
	}

	if c.DataCollectionIntervalMs < 0 {
		return &ConfigurationError{Field: "data_collection_interval_ms", Reason: "must not be negative"}
	}

	return nil
}

// Counts are the running statistics of an experiment.
type Counts struct {
	DataPointsCollected    int `json:"data_points_collected"`
	SensorReadingsCount    int `json:"sensor_readings_count"`
	ControllerOutputsCount int `json:"controller_outputs_count"`
	ErrorsCount            int `json:"errors_count"`
	WarningsCount          int `json:"warnings_count"`
}

// Result tracks one experiment from Create to finalization. Callers only ever
// see copies.
type Result struct {
	ExperimentID    string     `json:"experiment_id"`
	Name            string     `json:"name"`
	State           State      `json:"state"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	Counts

	ResultDirectory   string         `json:"result_directory,omitempty"`
	RawDataDir        string         `json:"raw_data_dir,omitempty"`
	ProcessedDataDir  string         `json:"processed_data_dir,omitempty"`
	CompressedArchive string         `json:"compressed_archive,omitempty"`
	Summary           map[string]any `json:"summary"`
}

func (r *Result) Clone() Result {
	var out Result
	if err := deepcopy.Copy(&out, r); err != nil {
		out = *r
	}

	return out
}

// Statistics is the flat view returned by Orchestrator.Statistics.
type Statistics struct {
	ExperimentID    string   `json:"experiment_id"`
	State           State    `json:"state"`
	DurationSeconds *float64 `json:"duration_seconds"`
	Counts

	ResultDirectory   string `json:"result_directory,omitempty"`
	CompressedArchive string `json:"compressed_archive,omitempty"`
}

// DataPoint is the snapshot taken on one collection tick.
type DataPoint struct {
	Timestamp         float64                   `json:"timestamp"`
	ExperimentID      string                    `json:"experiment_id"`
	Phase             Phase                     `json:"phase"`
	SensorReadings    map[string]models.Reading `json:"sensor_readings"`
	ControllerOutputs map[string]any            `json:"controller_outputs"`
}

// StateChangeFunc is called with the old and new state after every transition.
type StateChangeFunc func(from, to State)

// DataFunc is called with every collected data point.
type DataFunc func(dp DataPoint)

// DeviceSource is the part of the polling engine the orchestrator drives.
type DeviceSource interface {
	LatestReadings() map[string]models.Reading
	StartAllConfigured(ctx context.Context) int
	Start(ctx context.Context, id string) bool
	ActiveDevices() []string
}

type Controller interface {
	Start(ctx context.Context) bool
}

// ControllerManager starts lab equipment controllers and reports their outputs.
type ControllerManager interface {
	StartAll(ctx context.Context) bool
	Controller(id string) (Controller, bool)
	ControllerOutputs() (map[string]any, error)
}

type Saver interface {
	Save(r models.Reading, category string) error
	FlushAll() error
	Close() error
}

// Archiver compresses a result directory and returns the archive paths.
type Archiver interface {
	CompressDirectory(path, pattern, dataType string, recursive bool) ([]string, error)
}

// ConfigurationError reports an invalid experiment configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid experiment %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError is logged when an operation is not legal in the current state.
type InvalidTransitionError struct {
	Event string
	From  State
	Err   error
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s experiment from state %s: %v", e.Event, e.From, e.Err)
}

func (e *InvalidTransitionError) Unwrap() error { return e.Err }
