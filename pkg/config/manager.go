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

package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/labcore/pkg/backoff"
	"github.com/united-manufacturing-hub/labcore/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/labcore/pkg/logger"
	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

// ErrConfigNotFound is returned by GetConfig when the file is missing.
var ErrConfigNotFound = errors.New("config file does not exist")

// FileConfigManager reads and writes the YAML config file and serves the last
// good config to the polling engine.
type FileConfigManager struct {
	path  string
	log   *zap.SugaredLogger
	retry backoff.RetryPolicy

	// mutexReadOrWrite guards file access, mutexAtomicUpdate guards
	// read-modify-write cycles that span several file accesses.
	mutexReadOrWrite  *ctxmutex.CtxMutex
	mutexAtomicUpdate *ctxmutex.CtxMutex

	mu     sync.RWMutex
	cached FullConfig
}

func NewFileConfigManager(path string, log *zap.SugaredLogger) *FileConfigManager {
	if path == "" {
		path = DefaultConfigPath
	}

	log = logger.OrDefault(log, logger.ComponentConfigManager)

	retry := backoff.DefaultRetryPolicy("read_config")
	retry.BaseDelay = 100 * time.Millisecond
	retry.Logger = log

	return &FileConfigManager{
		path:              path,
		log:               log,
		retry:             retry,
		mutexReadOrWrite:  ctxmutex.NewCtxMutex(),
		mutexAtomicUpdate: ctxmutex.NewCtxMutex(),
	}
}

// WithRetryPolicy replaces the policy used for transient read errors.
func (m *FileConfigManager) WithRetryPolicy(p RetryPolicy) *FileConfigManager {
	p.Logger = m.log
	m.retry = p

	return m
}

// RetryPolicy is re-exported so callers need not import pkg/backoff.
type RetryPolicy = backoff.RetryPolicy

func (m *FileConfigManager) Path() string {
	return m.path
}

// GetConfig reads the file from disk, validates it and caches it for
// DeviceConfigs. Read errors other than a missing file are retried.
func (m *FileConfigManager) GetConfig(ctx context.Context) (FullConfig, error) {
	cfg, err := backoff.Retry(ctx, m.retry, m.readConfig)
	if err != nil {
		return FullConfig{}, err
	}

	m.setCached(cfg)

	return cfg, nil
}

func (m *FileConfigManager) setCached(cfg FullConfig) {
	m.mu.Lock()
	m.cached = cfg.Clone()
	m.mu.Unlock()
}

func (m *FileConfigManager) readConfig(ctx context.Context) (FullConfig, error) {
	if err := m.mutexReadOrWrite.Lock(ctx); err != nil {
		return FullConfig{}, fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexReadOrWrite.Unlock()

	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return FullConfig{}, backoff.NewPermanentError(fmt.Errorf("%w: %s", ErrConfigNotFound, m.path))
	}

	if err != nil {
		return FullConfig{}, backoff.NewTransientError(fmt.Errorf("failed to read config file: %w", err))
	}

	cfg, err := Parse(data)
	if err != nil {
		return FullConfig{}, backoff.NewPermanentError(fmt.Errorf("%s: %w", m.path, err))
	}

	return cfg, nil
}

// Parse decodes and validates a config document. Unknown keys are rejected.
func Parse(data []byte) (FullConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg FullConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return FullConfig{}, ErrEmptyConfig
		}

		return FullConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.IsZero() {
		return FullConfig{}, ErrEmptyConfig
	}

	if err := cfg.Validate(); err != nil {
		return FullConfig{}, err
	}

	return cfg.withDefaults(), nil
}

// GetConfigOrCreateNew returns the config on disk, writing defaults first when
// the file does not exist yet.
func (m *FileConfigManager) GetConfigOrCreateNew(ctx context.Context, defaults FullConfig) (FullConfig, error) {
	cfg, err := m.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, ErrConfigNotFound) {
		return FullConfig{}, fmt.Errorf("failed to get config that exists: %w", err)
	}

	m.log.Infow("Config file not found, writing defaults", "path", m.path)

	if err := m.writeConfig(ctx, defaults); err != nil {
		return FullConfig{}, fmt.Errorf("failed to write new config: %w", err)
	}

	return m.GetConfig(ctx)
}

func (m *FileConfigManager) writeConfig(ctx context.Context, cfg FullConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := m.mutexReadOrWrite.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexReadOrWrite.Unlock()

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// rename keeps readers from seeing a half-written file
	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmp.Name(), m.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// atomicUpdate reads the config, applies fn and writes the result back.
func (m *FileConfigManager) atomicUpdate(ctx context.Context, fn func(*FullConfig) error) error {
	if err := m.mutexAtomicUpdate.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexAtomicUpdate.Unlock()

	cfg, err := m.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	if err := fn(&cfg); err != nil {
		return err
	}

	if err := m.writeConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	m.mu.Lock()
	m.cached = cfg.Clone()
	m.mu.Unlock()

	return nil
}

// AtomicUpsertDevice adds dev or replaces the device with the same id.
func (m *FileConfigManager) AtomicUpsertDevice(ctx context.Context, dev models.DeviceConfig) error {
	if err := ValidateDeviceConfig(dev); err != nil {
		return err
	}

	return m.atomicUpdate(ctx, func(cfg *FullConfig) error {
		for i := range cfg.Devices {
			if cfg.Devices[i].DeviceID == dev.DeviceID {
				cfg.Devices[i] = dev.Clone()
				return nil
			}
		}

		cfg.Devices = append(cfg.Devices, dev.Clone())

		return nil
	})
}

// AtomicSetDeviceEnabled toggles the enabled flag of a configured device.
func (m *FileConfigManager) AtomicSetDeviceEnabled(ctx context.Context, id string, enabled bool) error {
	return m.atomicUpdate(ctx, func(cfg *FullConfig) error {
		for i := range cfg.Devices {
			if cfg.Devices[i].DeviceID == id {
				cfg.Devices[i].Enabled = enabled
				return nil
			}
		}

		return &ValidationError{DeviceID: id, Field: "device_id", Reason: "is not configured"}
	})
}

// Config returns a copy of the last config read by GetConfig.
func (m *FileConfigManager) Config() FullConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.cached.Clone()
}

// DeviceConfigs returns copies of the cached device entries.
func (m *FileConfigManager) DeviceConfigs() []models.DeviceConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.DeviceConfig, 0, len(m.cached.Devices))
	for _, d := range m.cached.Devices {
		out = append(out, d.Clone())
	}

	return out
}

func (m *FileConfigManager) ValidateDeviceConfig(cfg models.DeviceConfig) error {
	return ValidateDeviceConfig(cfg)
}
