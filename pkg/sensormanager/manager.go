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

// Package sensormanager polls registered devices on their own intervals,
// runs every reading through the processing pipeline and caches the latest
// reading per device.
package sensormanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/labcore/pkg/backoff"
	"github.com/united-manufacturing-hub/labcore/pkg/ctxutil"
	"github.com/united-manufacturing-hub/labcore/pkg/logger"
	"github.com/united-manufacturing-hub/labcore/pkg/metrics"
	"github.com/united-manufacturing-hub/labcore/pkg/models"
	"github.com/united-manufacturing-hub/labcore/pkg/pipeline"
	"github.com/united-manufacturing-hub/labcore/pkg/sensor"
	"github.com/united-manufacturing-hub/labcore/pkg/sentry"
	"github.com/united-manufacturing-hub/labcore/pkg/supervisor"
	"github.com/united-manufacturing-hub/labcore/pkg/workerpool"
)

const (
	// CategoryRaw and CategoryProcessed are the persistence categories for readings.
	CategoryRaw       = "raw"
	CategoryProcessed = "processed"

	DefaultReconnectThreshold = 3
	DefaultStopTimeout        = 5 * time.Second
	DefaultStartConcurrency   = 4

	pollTaskPrefix = "poll:"
)

// ErrNoProvider is returned by New without a ConfigProvider.
var ErrNoProvider = errors.New("sensormanager: config provider is required")

// ConfigProvider supplies device configurations.
type ConfigProvider interface {
	DeviceConfigs() []models.DeviceConfig
	ValidateDeviceConfig(cfg models.DeviceConfig) error
}

// Saver persists readings under a category.
type Saver interface {
	Save(r models.Reading, category string) error
	FlushAll() error
	Close() error
}

// Options configures a Manager. Zero values select defaults; a nil
// Supervisor or Pool is created and owned by the Manager.
type Options struct {
	Registry           *sensor.Registry
	Pipeline           *pipeline.ReadingPipeline
	Saver              Saver
	Supervisor         *supervisor.Supervisor
	Pool               *workerpool.Pool
	Workers            int
	ReconnectThreshold int
	ReconnectPolicy    *backoff.RetryPolicy
	StopTimeout        time.Duration
	StartConcurrency   int
	Logger             *zap.SugaredLogger
}

// DeviceStatus summarizes one registered device.
type DeviceStatus struct {
	Connected   bool          `json:"connected"`
	Polling     bool          `json:"polling"`
	LastReading *float64      `json:"last_reading"`
	Status      models.Status `json:"status"`
	SensorType  string        `json:"sensor_type"`
}

type Manager struct {
	provider  ConfigProvider
	registry  *sensor.Registry
	pipeline  *pipeline.ReadingPipeline
	saver     Saver
	sup       *supervisor.Supervisor
	pool      *workerpool.Pool
	ownsSup   bool
	ownsPool  bool
	log       *zap.SugaredLogger
	reconnect backoff.RetryPolicy

	reconnectThreshold int
	stopTimeout        time.Duration
	startConcurrency   int

	mu       sync.RWMutex
	devices  map[string]sensor.Device
	failures map[string]int
	polling  map[string]*supervisor.Handle

	// readings holds the latest models.Reading per device id
	readings *gocache.Cache
	newData  chan struct{}
	stopping atomic.Bool
}

// New creates a Manager. Owned workers and supervisor run until Shutdown or ctx ends.
func New(ctx context.Context, provider ConfigProvider, opts Options) (*Manager, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}

	log := logger.OrDefault(opts.Logger, logger.ComponentSensorManager)

	m := &Manager{
		provider:           provider,
		registry:           opts.Registry,
		pipeline:           opts.Pipeline,
		saver:              opts.Saver,
		sup:                opts.Supervisor,
		pool:               opts.Pool,
		log:                log,
		reconnectThreshold: opts.ReconnectThreshold,
		stopTimeout:        opts.StopTimeout,
		startConcurrency:   opts.StartConcurrency,
		devices:            make(map[string]sensor.Device),
		failures:           make(map[string]int),
		polling:            make(map[string]*supervisor.Handle),
		readings:           gocache.New(gocache.NoExpiration, 0),
		newData:            make(chan struct{}, 1),
	}

	if m.registry == nil {
		m.registry = sensor.DefaultRegistry()
	}

	if m.reconnectThreshold <= 0 {
		m.reconnectThreshold = DefaultReconnectThreshold
	}

	if m.stopTimeout <= 0 {
		m.stopTimeout = DefaultStopTimeout
	}

	if m.startConcurrency <= 0 {
		m.startConcurrency = DefaultStartConcurrency
	}

	if opts.ReconnectPolicy != nil {
		m.reconnect = *opts.ReconnectPolicy
	} else {
		m.reconnect = backoff.DefaultRetryPolicy("device reconnect")
	}

	if m.reconnect.Logger == nil {
		m.reconnect.Logger = log
	}

	if m.sup == nil {
		m.sup = supervisor.New("sensors", log)
		if err := m.sup.Start(ctx); err != nil {
			return nil, err
		}

		m.ownsSup = true
	}

	if m.pool == nil {
		m.pool = workerpool.New("device-io", opts.Workers, log)
		m.pool.Start(ctx)
		m.ownsPool = true
	}

	return m, nil
}

// RegisterDeviceType makes a driver factory available to Create.
func (m *Manager) RegisterDeviceType(deviceType string, factory sensor.Factory) error {
	return m.registry.Register(deviceType, factory)
}

// Create validates cfg and builds a device for it. It returns nil when the
// config is invalid, the type is unknown or the factory fails.
func (m *Manager) Create(cfg models.DeviceConfig) sensor.Device {
	if err := m.provider.ValidateDeviceConfig(cfg); err != nil {
		m.log.Errorw("Invalid device configuration", "device", cfg.DeviceID, "error", err)
		return nil
	}

	dev, err := m.registry.New(cfg.Normalized())
	if err != nil {
		m.log.Errorw("Failed to create device", "device", cfg.DeviceID, "type", cfg.DeviceType, "error", err)
		return nil
	}

	m.log.Infow("Created device", "device", cfg.DeviceID, "type", cfg.DeviceType)

	return dev
}

// Register initializes dev and adds it to the manager with an OFFLINE reading.
func (m *Manager) Register(ctx context.Context, dev sensor.Device) bool {
	m.mu.RLock()
	_, exists := m.devices[dev.ID()]
	m.mu.RUnlock()

	if exists {
		m.log.Warnw("Device already registered", "device", dev.ID())
		return false
	}

	if err := dev.Initialize(ctx); err != nil {
		m.log.Errorw("Failed to initialize device", "device", dev.ID(), "error", err,
			"category", backoff.CategoryOf(err).String())

		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[dev.ID()]; exists {
		return false
	}

	m.devices[dev.ID()] = dev
	m.failures[dev.ID()] = 0
	m.readings.Set(dev.ID(), models.NewOfflineReading(dev.ID(), ""), gocache.NoExpiration)

	m.log.Infow("Registered device", "device", dev.ID())

	return true
}

// Start begins polling the device at its configured interval.
// Starting a device that is already polling reports success.
func (m *Manager) Start(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[id]
	if !ok {
		m.log.Errorw("Device not found", "device", id)
		return false
	}

	if h, polling := m.polling[id]; polling && !h.Done() {
		m.log.Warnw("Device is already polling", "device", id)
		return true
	}

	cfg, ok := m.configFor(id)
	if !ok {
		m.log.Errorw("No configuration found for device", "device", id)
		return false
	}

	interval := cfg.PollInterval()

	h, err := m.sup.Schedule(func(ctx context.Context) (any, error) {
		return nil, m.pollLoop(ctx, dev, interval)
	}, pollTaskPrefix+id)
	if err != nil {
		m.log.Errorw("Failed to start polling", "device", id, "error", err)
		return false
	}

	m.polling[id] = h
	metrics.SetDevicesPolling(len(m.polling))
	m.log.Infow("Started polling device", "device", id, "interval", interval)

	return true
}

func (m *Manager) configFor(id string) (models.DeviceConfig, bool) {
	for _, cfg := range m.provider.DeviceConfigs() {
		if cfg.DeviceID == id {
			return cfg, true
		}
	}

	return models.DeviceConfig{}, false
}

// Stop cancels polling for id, waits for the loop to end and releases the device.
func (m *Manager) Stop(ctx context.Context, id string) bool {
	m.mu.Lock()
	dev, ok := m.devices[id]
	h := m.polling[id]
	delete(m.polling, id)
	m.failures[id] = 0
	metrics.SetDevicesPolling(len(m.polling))
	m.mu.Unlock()

	if !ok {
		return false
	}

	if h != nil {
		h.Cancel()

		_, err := ctxutil.RunWithTimeout(ctx, m.stopTimeout, h.Wait)

		switch {
		case err == nil, errors.Is(err, context.Canceled):
			m.log.Infow("Stopped polling device", "device", id)
		default:
			m.log.Warnw("Polling loop did not stop cleanly", "device", id, "error", err)
		}
	}

	if err := dev.Cleanup(ctx); err != nil {
		m.log.Warnw("Device cleanup failed", "device", id, "error", err)
	}

	return true
}

// Unregister stops id and forgets it, including its cached reading. A later
// StartDevices builds the device again from the current configuration.
func (m *Manager) Unregister(ctx context.Context, id string) bool {
	if !m.Stop(ctx, id) {
		return false
	}

	m.mu.Lock()
	delete(m.devices, id)
	delete(m.failures, id)
	m.mu.Unlock()

	m.readings.Delete(id)
	m.log.Infow("Unregistered device", "device", id)

	return true
}

func (m *Manager) pollLoop(ctx context.Context, dev sensor.Device, interval time.Duration) error {
	for !m.stopping.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.pollOnce(ctx, dev)

		if err := ctxutil.Sleep(ctx, interval); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) pollOnce(ctx context.Context, dev sensor.Device) {
	id := dev.ID()

	var raw models.Reading

	err := m.pool.Do(ctx, id, func(ctx context.Context) error {
		var readErr error
		raw, readErr = dev.Read(ctx)

		return readErr
	})

	if ctx.Err() != nil {
		return
	}

	if errors.Is(err, workerpool.ErrInProgress) {
		m.log.Debugw("Previous read still running, skipping", "device", id)
		return
	}

	if err != nil {
		m.handleReadFailure(ctx, dev, err)
		return
	}

	m.mu.Lock()
	m.failures[id] = 0
	m.mu.Unlock()

	latest := raw

	var processed *models.Reading

	if m.pipeline != nil {
		res := m.pipeline.Process(raw)
		if res.Success {
			latest = res.Data
			processed = &res.Data
		} else {
			m.log.Warnw("Pipeline failed", "device", id, "error", res.ErrorMessage)
		}
	}

	m.readings.Set(id, latest, gocache.NoExpiration)
	metrics.RecordReading(id, string(latest.Status))
	m.signalNewData()

	m.save(raw, CategoryRaw)

	if processed != nil {
		m.save(*processed, CategoryProcessed)
	}

	if latest.Status != models.StatusOK {
		m.log.Debugw("Device reading not OK", "device", id, "status", latest.Status)
	}
}

func (m *Manager) handleReadFailure(ctx context.Context, dev sensor.Device, err error) {
	id := dev.ID()

	m.log.Warnw("Error polling device", "device", id, "error", err,
		"cause", backoff.ExtractOriginalError(err),
		"category", backoff.CategoryOf(err).String())

	errReading := models.NewErrorReading(id, err.Error())
	m.readings.Set(id, errReading, gocache.NoExpiration)
	metrics.RecordReading(id, string(models.StatusError))
	m.signalNewData()
	m.save(errReading, CategoryRaw)

	m.mu.Lock()
	m.failures[id]++
	count := m.failures[id]
	m.mu.Unlock()

	if count < m.reconnectThreshold {
		return
	}

	m.log.Warnw("Reconnecting device", "device", id, "failures", count)

	reconnectErr := m.reconnect.Do(ctx, func(ctx context.Context) error {
		return m.pool.Do(ctx, id, func(ctx context.Context) error {
			if err := dev.Cleanup(ctx); err != nil {
				m.log.Debugw("Cleanup before reconnect failed", "device", id, "error", err)
			}

			return dev.Initialize(ctx)
		})
	})
	if reconnectErr != nil {
		if ctx.Err() != nil {
			return
		}

		metrics.IncErrorCountAndLog(metrics.ComponentSensorManager, id, reconnectErr, m.log)
		sentry.ReportDeviceError(m.log, id, "reconnect", reconnectErr)

		return
	}

	m.mu.Lock()
	m.failures[id] = 0
	m.mu.Unlock()

	metrics.IncDeviceReconnect(id)
	m.log.Infow("Reconnected device", "device", id)
}

func (m *Manager) save(r models.Reading, category string) {
	if m.saver == nil {
		return
	}

	if err := m.saver.Save(r, category); err != nil {
		m.log.Errorw("Failed to save reading", "device", r.DeviceID, "category", category, "error", err)
	}
}

func (m *Manager) signalNewData() {
	select {
	case m.newData <- struct{}{}:
	default:
	}
}

// WaitForNewData blocks until any device produced a reading since the last
// call, the timeout elapses or ctx ends. It reports whether new data arrived.
func (m *Manager) WaitForNewData(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.newData:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// FailureCount returns the consecutive read failures recorded for id.
func (m *Manager) FailureCount(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.failures[id]
}

// Shutdown stops every device, drains the worker pool and closes the saver.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.log.Info("Shutting down sensor manager")
	m.stopping.Store(true)
	m.signalNewData()

	m.mu.RLock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			m.Stop(gctx, id)
			return nil
		})
	}

	var errs []error

	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if m.ownsPool {
		m.pool.Shutdown()
	}

	if m.saver != nil {
		if err := m.saver.FlushAll(); err != nil {
			errs = append(errs, fmt.Errorf("flush saver: %w", err))
		}

		if err := m.saver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close saver: %w", err))
		}
	}

	if m.ownsSup {
		if err := m.sup.Shutdown(m.stopTimeout); err != nil {
			errs = append(errs, err)
		}

		m.sup.Stop()
	}

	err := errors.Join(errs...)
	if err != nil {
		m.log.Errorw("Sensor manager shutdown finished with errors", "error", err)
	} else {
		m.log.Info("Sensor manager shutdown complete")
	}

	return err
}

// LatestReadings returns a copy of the cached reading for every device.
func (m *Manager) LatestReadings() map[string]models.Reading {
	items := m.readings.Items()
	out := make(map[string]models.Reading, len(items))

	for id, item := range items {
		if r, ok := item.Object.(models.Reading); ok {
			out[id] = r.Clone()
		}
	}

	return out
}

// Reading returns the latest reading for id.
func (m *Manager) Reading(id string) (models.Reading, bool) {
	v, ok := m.readings.Get(id)
	if !ok {
		return models.Reading{}, false
	}

	r, ok := v.(models.Reading)
	if !ok {
		return models.Reading{}, false
	}

	return r.Clone(), true
}

// SensorStatus reports connection, polling and last reading per registered device.
func (m *Manager) SensorStatus() map[string]DeviceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]DeviceStatus, len(m.devices))

	for id, dev := range m.devices {
		st := DeviceStatus{
			Connected:  dev.Connected(),
			SensorType: dev.Kind(),
			Status:     "unknown",
		}

		if h, ok := m.polling[id]; ok && !h.Done() {
			st.Polling = true
		}

		if r, ok := m.Reading(id); ok {
			ts := r.Timestamp
			st.LastReading = &ts
			st.Status = r.Status
		}

		out[id] = st
	}

	return out
}

// ActiveDevices returns the ids of polling devices, sorted.
func (m *Manager) ActiveDevices() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.polling))
	for id, h := range m.polling {
		if !h.Done() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(ids)

	return ids
}

// Devices returns the ids of all registered devices, sorted.
func (m *Manager) Devices() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Strings(ids)

	return ids
}

// StartAllConfigured creates, registers and starts every enabled configured
// device. Devices are brought up concurrently. It returns how many started.
func (m *Manager) StartAllConfigured(ctx context.Context) int {
	var cfgs []models.DeviceConfig

	for _, cfg := range m.provider.DeviceConfigs() {
		if cfg.Enabled {
			cfgs = append(cfgs, cfg)
		}
	}

	return m.bringUp(ctx, cfgs)
}

// StartDevices is StartAllConfigured restricted to ids.
func (m *Manager) StartDevices(ctx context.Context, ids []string) int {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var cfgs []models.DeviceConfig

	for _, cfg := range m.provider.DeviceConfigs() {
		if cfg.Enabled && want[cfg.DeviceID] {
			cfgs = append(cfgs, cfg)
		}
	}

	return m.bringUp(ctx, cfgs)
}

func (m *Manager) bringUp(ctx context.Context, cfgs []models.DeviceConfig) int {
	if len(cfgs) == 0 {
		return 0
	}

	limiter, err := ctxutil.NewRateLimiter(m.startConcurrency, time.Second, m.startConcurrency)
	if err != nil {
		m.log.Errorw("Invalid start concurrency", "error", err)
		return 0
	}

	fns := make([]func(context.Context) (bool, error), 0, len(cfgs))
	for _, cfg := range cfgs {
		fns = append(fns, func(ctx context.Context) (bool, error) {
			return m.bringUpOne(ctx, cfg), nil
		})
	}

	started, err := ctxutil.GatherWithConcurrency(ctx, "start_devices", limiter, fns...)
	if err != nil {
		m.log.Warnw("Device start interrupted", "error", err)
		return 0
	}

	count := 0

	for _, ok := range started {
		if ok {
			count++
		}
	}

	m.log.Infow("Started devices", "count", count, "configured", len(cfgs))

	return count
}

func (m *Manager) bringUpOne(ctx context.Context, cfg models.DeviceConfig) bool {
	m.mu.RLock()
	_, registered := m.devices[cfg.DeviceID]
	m.mu.RUnlock()

	if !registered {
		dev := m.Create(cfg)
		if dev == nil {
			return false
		}

		if !m.Register(ctx, dev) {
			return false
		}
	}

	return m.Start(ctx, cfg.DeviceID)
}
