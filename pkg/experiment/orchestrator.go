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

// Package experiment runs timed experiments: it starts acquisition, snapshots
// the latest readings on every tick, persists them and finalizes the result
// directory when the experiment stops.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/labcore/pkg/ctxutil"
	"github.com/united-manufacturing-hub/labcore/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/labcore/pkg/logger"
	"github.com/united-manufacturing-hub/labcore/pkg/metrics"
	"github.com/united-manufacturing-hub/labcore/pkg/sentry"
	"github.com/united-manufacturing-hub/labcore/pkg/supervisor"
)

const (
	// TaskDataCollect and TaskAutoStop are the supervisor task ids of a running experiment.
	TaskDataCollect = "data_collect"
	TaskAutoStop    = "auto_stop"

	DefaultBaseDir         = "data/experiments"
	DefaultRawSubdir       = "results/raw"
	DefaultProcessedSubdir = "results/processed"
	DefaultNamingLayout    = "2006-01-02T15-04-05"
	DefaultTaskStopTimeout = 5 * time.Second

	metadataSubdir = "metadata"
)

// ErrUnknownExperiment is returned for ids that were never created or were deleted.
var ErrUnknownExperiment = errors.New("unknown experiment")

// Options wires an Orchestrator to its collaborators. Every collaborator is optional.
type Options struct {
	BaseDir         string
	RawSubdir       string
	ProcessedSubdir string
	// NamingLayout is the time layout appended to experiment names to form ids.
	NamingLayout string

	Devices     DeviceSource
	Controllers ControllerManager
	Saver       Saver
	Archiver    Archiver

	// Supervisor runs the collection and auto-stop tasks. A nil Supervisor is
	// created and owned by the Orchestrator.
	Supervisor      *supervisor.Supervisor
	TaskStopTimeout time.Duration
	Logger          *zap.SugaredLogger
}

type Orchestrator struct {
	baseDir         string
	rawSubdir       string
	processedSubdir string
	namingLayout    string
	taskStopTimeout time.Duration

	devices     DeviceSource
	controllers ControllerManager
	saver       Saver
	archiver    Archiver

	sup     *supervisor.Supervisor
	ownsSup bool
	log     *zap.SugaredLogger

	// ops serializes lifecycle operations
	ops     *ctxmutex.CtxMutex
	machine *fsm.FSM

	mu             sync.RWMutex
	configs        map[string]Config
	results        map[string]*Result
	order          []string
	current        string
	phase          Phase
	stateCallbacks []StateChangeFunc
	dataCallbacks  []DataFunc

	bufMu  sync.Mutex
	buffer []DataPoint
}

// New creates an Orchestrator and its base directory.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	o := &Orchestrator{
		baseDir:         opts.BaseDir,
		rawSubdir:       opts.RawSubdir,
		processedSubdir: opts.ProcessedSubdir,
		namingLayout:    opts.NamingLayout,
		taskStopTimeout: opts.TaskStopTimeout,
		devices:         opts.Devices,
		controllers:     opts.Controllers,
		saver:           opts.Saver,
		archiver:        opts.Archiver,
		sup:             opts.Supervisor,
		log:             logger.OrDefault(opts.Logger, logger.ComponentExperiment),
		ops:             ctxmutex.NewCtxMutex(),
		machine:         newMachine(),
		configs:         make(map[string]Config),
		results:         make(map[string]*Result),
		phase:           PhaseInitialization,
	}

	if o.baseDir == "" {
		o.baseDir = DefaultBaseDir
	}

	if o.rawSubdir == "" {
		o.rawSubdir = DefaultRawSubdir
	}

	if o.processedSubdir == "" {
		o.processedSubdir = DefaultProcessedSubdir
	}

	if o.namingLayout == "" {
		o.namingLayout = DefaultNamingLayout
	}

	if o.taskStopTimeout <= 0 {
		o.taskStopTimeout = DefaultTaskStopTimeout
	}

	if err := os.MkdirAll(o.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create experiment base directory: %w", err)
	}

	if o.sup == nil {
		o.sup = supervisor.New("experiment", o.log)
		if err := o.sup.Start(ctx); err != nil {
			return nil, err
		}

		o.ownsSup = true
	}

	metrics.UpdateExperimentState(string(StateIdle))
	o.log.Infow("Experiment orchestrator initialized", "base_dir", o.baseDir)

	return o, nil
}

// Create stores cfg under a new timestamp-qualified id and returns the id.
func (o *Orchestrator) Create(cfg Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		o.log.Errorw("Rejected experiment configuration", "error", err)
		return "", err
	}

	now := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	id := fmt.Sprintf("%s_%s", cfg.Name, now.Format(o.namingLayout))
	if _, taken := o.configs[id]; taken {
		id = fmt.Sprintf("%s_%s", id, uuid.NewString()[:8])
	}

	o.configs[id] = cfg.Clone()
	o.results[id] = &Result{
		ExperimentID: id,
		Name:         cfg.Name,
		State:        StateIdle,
		StartTime:    now,
		Summary:      make(map[string]any),
	}
	o.order = append(o.order, id)

	o.log.Infow("Created experiment", "experiment", id)

	return id, nil
}

// ConfigureExperiment replaces the configuration of an existing experiment
// while the orchestrator is idle.
func (o *Orchestrator) ConfigureExperiment(ctx context.Context, id string, cfg Config) error {
	return o.ops.WithLock(ctx, func() error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		o.mu.RLock()
		_, ok := o.configs[id]
		o.mu.RUnlock()

		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownExperiment, id)
		}

		if err := o.transition(EventConfigure); err != nil {
			return err
		}

		o.mu.Lock()
		o.configs[id] = cfg.Clone()
		o.results[id].Name = cfg.Name
		o.mu.Unlock()

		o.log.Infow("Reconfigured experiment", "experiment", id)

		return o.transition(EventConfigured)
	})
}

// Start begins experiment id. It fails unless the orchestrator is idle.
func (o *Orchestrator) Start(ctx context.Context, id string) bool {
	if err := o.ops.Lock(ctx); err != nil {
		o.log.Warnw("Gave up waiting to start experiment", "experiment", id, "error", err)
		return false
	}
	defer o.ops.Unlock()

	o.mu.RLock()
	cfg, ok := o.configs[id]
	o.mu.RUnlock()

	if !ok {
		o.log.Errorw("Experiment not found", "experiment", id)
		return false
	}

	if err := o.checkTransition(EventStart); err != nil {
		return false
	}

	o.mu.Lock()
	o.current = id
	o.phase = PhaseInitialization
	o.mu.Unlock()

	if err := o.transition(EventStart); err != nil {
		o.clearCurrent()
		return false
	}

	if err := o.prepareDirectories(id); err != nil {
		o.log.Errorw("Failed to create experiment directories", "experiment", id, "error", err)
		sentry.ReportExperimentError(o.log, id, "start", err)
		_ = o.transition(EventFail)

		return false
	}

	o.bufMu.Lock()
	o.buffer = nil
	o.bufMu.Unlock()

	if cfg.AutoStartSensors {
		o.startSensors(ctx, cfg.SensorIDs)
	}

	if cfg.AutoStartControllers {
		o.startControllers(ctx, cfg.ControllerIDs)
	}

	if _, err := o.sup.Schedule(func(ctx context.Context) (any, error) {
		return nil, o.collectLoop(ctx, cfg.Interval())
	}, TaskDataCollect); err != nil {
		o.log.Errorw("Failed to schedule data collection", "experiment", id, "error", err)
		sentry.ReportExperimentError(o.log, id, "start", err)
		_ = o.transition(EventFail)

		return false
	}

	o.log.Infow("Data collection started", "experiment", id, "interval", cfg.Interval())

	if err := o.transition(EventRun); err != nil {
		o.stopTask(TaskDataCollect)
		_ = o.transition(EventFail)

		return false
	}

	o.mu.Lock()
	o.results[id].StartTime = time.Now()
	o.mu.Unlock()

	if d := cfg.Duration(); d > 0 {
		if _, err := o.sup.Schedule(func(ctx context.Context) (any, error) {
			return nil, o.autoStop(ctx, d)
		}, TaskAutoStop); err != nil {
			o.log.Warnw("Failed to schedule auto-stop", "experiment", id, "error", err)
		}
	}

	o.log.Infow("Started experiment", "experiment", id)

	return true
}

func (o *Orchestrator) prepareDirectories(id string) error {
	root := filepath.Join(o.baseDir, id)
	metadata := filepath.Join(root, metadataSubdir)
	raw := filepath.Join(root, o.rawSubdir)
	processed := filepath.Join(root, o.processedSubdir)

	for _, dir := range []string{metadata, raw, processed} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	o.mu.Lock()
	r := o.results[id]
	r.ResultDirectory = metadata
	r.RawDataDir = raw
	r.ProcessedDataDir = processed
	o.mu.Unlock()

	return nil
}

func (o *Orchestrator) startSensors(ctx context.Context, ids []string) {
	if o.devices == nil {
		o.log.Warn("No device source available")
		return
	}

	if len(ids) == 0 {
		n := o.devices.StartAllConfigured(ctx)
		o.log.Infow("Started configured sensors", "count", n)

		return
	}

	for _, id := range ids {
		if !o.devices.Start(ctx, id) {
			o.log.Warnw("Failed to start sensor", "sensor", id)
		}
	}

	o.log.Infow("Started sensors", "active", o.devices.ActiveDevices())
}

func (o *Orchestrator) startControllers(ctx context.Context, ids []string) {
	if o.controllers == nil {
		o.log.Warn("No controller manager available")
		return
	}

	if len(ids) == 0 {
		if !o.controllers.StartAll(ctx) {
			o.log.Warn("Some controllers failed to start")
		}

		return
	}

	for _, id := range ids {
		c, ok := o.controllers.Controller(id)
		if !ok {
			o.log.Warnw("Controller not found", "controller", id)
			continue
		}

		if !c.Start(ctx) {
			o.log.Warnw("Failed to start controller", "controller", id)
		}
	}
}

func (o *Orchestrator) autoStop(ctx context.Context, d time.Duration) error {
	if err := ctxutil.Sleep(ctx, d); err != nil {
		return err
	}

	if o.State() != StateRunning {
		return nil
	}

	o.log.Infow("Auto-stopping experiment", "after", d)
	o.stop(ctx, true)

	return nil
}

// Stop ends the running or paused experiment and finalizes its results.
func (o *Orchestrator) Stop(ctx context.Context) bool {
	return o.stop(ctx, false)
}

func (o *Orchestrator) stop(ctx context.Context, fromAutoStop bool) bool {
	if err := o.ops.Lock(ctx); err != nil {
		o.log.Debugw("Gave up waiting to stop experiment", "error", err)
		return false
	}
	defer o.ops.Unlock()

	if err := o.checkTransition(EventStop); err != nil {
		o.log.Warn("No experiment is currently running")
		return false
	}

	if err := o.transition(EventStop); err != nil {
		return false
	}

	o.stopTask(TaskDataCollect)

	if !fromAutoStop {
		o.stopTask(TaskAutoStop)
	}

	id := o.CurrentExperiment()

	if err := o.finalize(ctx, id); err != nil {
		o.log.Errorw("Failed to finalize experiment", "experiment", id, "error", err)
		sentry.ReportExperimentError(o.log, id, "finalize", err)
		_ = o.transition(EventFail)

		return false
	}

	o.log.Infow("Stopped experiment", "experiment", id)

	return true
}

// Pause suspends collection. The collection task keeps running and skips ticks.
func (o *Orchestrator) Pause(ctx context.Context) bool {
	return o.toggle(ctx, EventPause)
}

// Resume continues a paused experiment.
func (o *Orchestrator) Resume(ctx context.Context) bool {
	return o.toggle(ctx, EventResume)
}

func (o *Orchestrator) toggle(ctx context.Context, event string) bool {
	if err := o.ops.Lock(ctx); err != nil {
		return false
	}
	defer o.ops.Unlock()

	if err := o.checkTransition(event); err != nil {
		return false
	}

	return o.transition(event) == nil
}

// Cancel abandons the current experiment without finalizing it.
func (o *Orchestrator) Cancel(ctx context.Context) bool {
	if err := o.ops.Lock(ctx); err != nil {
		return false
	}
	defer o.ops.Unlock()

	if err := o.checkTransition(EventCancel); err != nil {
		o.log.Warn("No experiment to cancel")
		return false
	}

	if err := o.transition(EventCancel); err != nil {
		return false
	}

	o.stopTask(TaskDataCollect)
	o.stopTask(TaskAutoStop)

	id := o.CurrentExperiment()
	o.clearCurrent()

	if err := o.transition(EventReset); err != nil {
		return false
	}

	o.log.Infow("Cancelled experiment", "experiment", id)

	return true
}

func (o *Orchestrator) stopTask(id string) {
	if o.sup.Handle(id) == nil {
		return
	}

	if !o.sup.Cancel(id, o.taskStopTimeout) {
		o.log.Warnw("Experiment task did not stop cleanly", "task", id)
	}
}

func (o *Orchestrator) clearCurrent() {
	o.mu.Lock()
	o.current = ""
	o.mu.Unlock()
}

// SetPhase moves the current experiment to phase p.
func (o *Orchestrator) SetPhase(p Phase) bool {
	if !p.valid() {
		o.log.Warnw("Unknown experiment phase", "phase", p)
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current == "" {
		return false
	}

	o.phase = p
	o.log.Infow("Experiment phase changed", "experiment", o.current, "phase", p)

	return true
}

func (o *Orchestrator) Phase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.phase
}

// CurrentExperiment returns the active experiment id, or "" when none is active.
func (o *Orchestrator) CurrentExperiment() string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.current
}

// List returns experiment ids in creation order.
func (o *Orchestrator) List() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]string, len(o.order))
	copy(out, o.order)

	return out
}

func (o *Orchestrator) Result(id string) (Result, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	r, ok := o.results[id]
	if !ok {
		return Result{}, false
	}

	return r.Clone(), true
}

func (o *Orchestrator) Config(id string) (Config, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	c, ok := o.configs[id]
	if !ok {
		return Config{}, false
	}

	return c.Clone(), true
}

func (o *Orchestrator) Statistics(id string) (Statistics, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	r, ok := o.results[id]
	if !ok {
		return Statistics{}, false
	}

	st := Statistics{
		ExperimentID:      id,
		State:             r.State,
		Counts:            r.Counts,
		ResultDirectory:   r.ResultDirectory,
		CompressedArchive: r.CompressedArchive,
	}

	if r.DurationSeconds != nil {
		d := *r.DurationSeconds
		st.DurationSeconds = &d
	}

	return st, true
}

// Delete removes an experiment and its directory. The active experiment
// cannot be deleted until it reaches a terminal state.
func (o *Orchestrator) Delete(id string) bool {
	if err := o.ops.Lock(context.Background()); err != nil {
		return false
	}
	defer o.ops.Unlock()

	o.mu.Lock()

	if _, ok := o.configs[id]; !ok {
		o.mu.Unlock()
		return false
	}

	if o.current == id && !o.State().Terminal() {
		o.mu.Unlock()
		o.log.Warnw("Cannot delete experiment while it is active", "experiment", id)

		return false
	}

	if o.current == id {
		o.current = ""
	}

	delete(o.configs, id)
	delete(o.results, id)

	for i, other := range o.order {
		if other == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}

	o.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(o.baseDir, id)); err != nil {
		o.log.Errorw("Failed to remove experiment directory", "experiment", id, "error", err)
	}

	o.log.Infow("Deleted experiment", "experiment", id)

	return true
}

// Cleanup stops a running experiment and shuts down the owned supervisor.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	if st := o.State(); st == StateRunning || st == StatePaused {
		o.Stop(ctx)
	}

	if !o.ownsSup {
		return nil
	}

	err := o.sup.Shutdown(o.taskStopTimeout)
	o.sup.Stop()

	if err != nil {
		return err
	}

	o.log.Info("Experiment orchestrator cleanup complete")

	return nil
}
