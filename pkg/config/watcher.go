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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/labcore/pkg/logger"
	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

// ErrWatcherRunning is returned by Start on a watcher that is already running.
var ErrWatcherRunning = errors.New("config watcher is already running")

const eventBufferSize = 100

type DeviceChange string

const (
	DeviceAdded   DeviceChange = "added"
	DeviceRemoved DeviceChange = "removed"
	DeviceUpdated DeviceChange = "updated"
)

// DeviceEvent describes one device entry that differs between two configs.
// Device holds the new entry, or the last known one for removals.
type DeviceEvent struct {
	Change DeviceChange
	Device models.DeviceConfig
}

// Watcher reloads the config file when it changes on disk, refreshes the
// manager's cached config and emits the device entries that changed.
type Watcher struct {
	manager *FileConfigManager
	log     *zap.SugaredLogger
	events  chan DeviceEvent

	mu   sync.Mutex
	fsw  *fsnotify.Watcher
	done chan struct{}

	// owned by the watch loop once started
	hash    uint64
	devices map[string]models.DeviceConfig
}

func NewWatcher(manager *FileConfigManager, log *zap.SugaredLogger) *Watcher {
	return &Watcher{
		manager: manager,
		log:     logger.OrDefault(log, logger.ComponentConfigManager),
		events:  make(chan DeviceEvent, eventBufferSize),
	}
}

// Events is closed when the watch loop ends.
func (w *Watcher) Events() <-chan DeviceEvent {
	return w.events
}

// Start takes the manager's cached config as the baseline and watches the
// directory of the config file. The directory is watched rather than the file
// because writes replace the file by renaming a temp file over it.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw != nil {
		return ErrWatcherRunning
	}

	if data, err := os.ReadFile(w.manager.Path()); err == nil {
		w.hash = xxhash.Sum64(data)
	}

	w.devices = indexDevices(w.manager.Config().Devices)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	if err := fsw.Add(filepath.Dir(w.manager.Path())); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.fsw = fsw
	w.done = make(chan struct{})

	go w.loop(ctx, fsw, w.done)

	w.log.Infow("Watching config file", "path", w.manager.Path())

	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fsw, done := w.fsw, w.done
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}

	err := fsw.Close()
	<-done

	return err
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer close(w.events)
	defer func() { _ = fsw.Close() }()

	target := filepath.Clean(w.manager.Path())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}

			if filepath.Clean(ev.Name) != target {
				continue
			}

			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.reload(ctx)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}

			w.log.Warnw("Config watcher error", "error", err)
		}
	}
}

// reload applies the file if its content changed. Invalid content is logged
// and skipped so that the last good config stays in effect.
func (w *Watcher) reload(ctx context.Context) {
	data, err := os.ReadFile(w.manager.Path())
	if err != nil {
		w.log.Debugw("Config file not readable", "path", w.manager.Path(), "error", err)
		return
	}

	h := xxhash.Sum64(data)
	if h == w.hash {
		return
	}

	cfg, err := Parse(data)
	if err != nil {
		w.log.Warnw("Ignoring invalid config change", "path", w.manager.Path(), "error", err)
		return
	}

	w.hash = h
	w.manager.setCached(cfg)

	changes := DiffDevices(w.devices, cfg.Devices)
	w.devices = indexDevices(cfg.Devices)

	w.log.Infow("Reloaded config", "path", w.manager.Path(), "device_changes", len(changes))

	for _, ev := range changes {
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// DiffDevices lists the entries of next that were added or updated relative
// to prev, and the entries of prev that are gone, ordered by device id.
func DiffDevices(prev map[string]models.DeviceConfig, next []models.DeviceConfig) []DeviceEvent {
	seen := make(map[string]bool, len(next))

	var out []DeviceEvent

	for _, dev := range next {
		dev = dev.Clone()
		seen[dev.DeviceID] = true

		old, ok := prev[dev.DeviceID]

		switch {
		case !ok:
			out = append(out, DeviceEvent{Change: DeviceAdded, Device: dev})
		case !reflect.DeepEqual(old, dev):
			out = append(out, DeviceEvent{Change: DeviceUpdated, Device: dev})
		}
	}

	for id, dev := range prev {
		if !seen[id] {
			out = append(out, DeviceEvent{Change: DeviceRemoved, Device: dev.Clone()})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Device.DeviceID < out[j].Device.DeviceID
	})

	return out
}

func indexDevices(devs []models.DeviceConfig) map[string]models.DeviceConfig {
	out := make(map[string]models.DeviceConfig, len(devs))
	for _, d := range devs {
		out[d.DeviceID] = d.Clone()
	}

	return out
}
