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

package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/labcore/pkg/api"
	"github.com/united-manufacturing-hub/labcore/pkg/archive"
	"github.com/united-manufacturing-hub/labcore/pkg/config"
	"github.com/united-manufacturing-hub/labcore/pkg/env"
	"github.com/united-manufacturing-hub/labcore/pkg/experiment"
	"github.com/united-manufacturing-hub/labcore/pkg/logger"
	"github.com/united-manufacturing-hub/labcore/pkg/persistence"
	"github.com/united-manufacturing-hub/labcore/pkg/pipeline"
	"github.com/united-manufacturing-hub/labcore/pkg/sensor"
	"github.com/united-manufacturing-hub/labcore/pkg/sensormanager"
	"github.com/united-manufacturing-hub/labcore/pkg/sentry"
	"github.com/united-manufacturing-hub/labcore/pkg/supervisor"
)

// appVersion is set at build time with -ldflags "-X main.appVersion=...".
var appVersion = "dev"

const (
	defaultShutdownTimeout = 10 * time.Second
	// serverShutdownTimeout leaves room within the container stop grace period.
	serverShutdownTimeout = 3 * time.Second

	configWatchTask = "config_watch"
)

func main() {
	logger.Initialize()
	defer func() { _ = logger.Sync() }()

	dsn, _ := env.GetAsString(env.KeySentryDSN, false, "")
	sentry.InitSentry(dsn, appVersion, "", true)

	log := logger.For(logger.ComponentCore)
	log.Infow("Starting labcore", "version", appVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTimeout, err := env.GetAsDuration(env.KeyShutdown, false, defaultShutdownTimeout)
	if err != nil {
		fatal(log, "Invalid shutdown timeout", err)
	}

	sup := supervisor.New("labcore", logger.For(logger.ComponentSupervisor))
	if err := sup.Start(ctx); err != nil {
		fatal(log, "Failed to start supervisor", err)
	}

	if err := sup.InstallSignalHandlers(shutdownTimeout); err != nil {
		fatal(log, "Failed to install signal handlers", err)
	}

	configPath, _ := env.GetAsString(env.KeyConfigPath, false, config.DefaultConfigPath)
	configManager := config.NewFileConfigManager(configPath, logger.For(logger.ComponentConfigManager))

	cfg, err := configManager.GetConfigOrCreateNew(ctx, config.DefaultConfig())
	if err != nil {
		fatal(log, "Failed to load config", err)
	}

	cfg, err = applyEnvOverrides(cfg)
	if err != nil {
		fatal(log, "Invalid environment override", err)
	}

	readingPipeline, err := pipeline.NewByName(cfg.Pipeline.Name, cfg.Pipeline.ID, logger.For(logger.ComponentPipeline))
	if err != nil {
		fatal(log, "Failed to build pipeline", err)
	}

	store, err := persistence.Open(persistence.Options{
		Dir:      cfg.Storage.DataDir,
		InMemory: cfg.Storage.InMemory,
		Logger:   logger.For(logger.ComponentPersistence),
	})
	if err != nil {
		fatal(log, "Failed to open reading store", err)
	}

	manager, err := sensormanager.New(ctx, configManager, sensormanager.Options{
		Registry:           sensor.DefaultRegistry(),
		Pipeline:           readingPipeline,
		Saver:              store,
		Supervisor:         sup,
		Workers:            cfg.Acquisition.Workers,
		ReconnectThreshold: cfg.Acquisition.ReconnectThreshold,
		StopTimeout:        cfg.Acquisition.StopTimeout(),
		Logger:             logger.For(logger.ComponentSensorManager),
	})
	if err != nil {
		fatal(log, "Failed to create sensor manager", err)
	}

	orchestrator, err := experiment.New(ctx, experiment.Options{
		BaseDir:         cfg.Experiments.BaseDir,
		RawSubdir:       cfg.Experiments.RawSubdir,
		ProcessedSubdir: cfg.Experiments.ProcessedSubdir,
		NamingLayout:    cfg.Experiments.NamingLayout,
		Devices:         manager,
		Saver:           store,
		Archiver:        archive.New(archive.Options{Logger: logger.For(logger.ComponentArchive)}),
		Supervisor:      sup,
		Logger:          logger.For(logger.ComponentExperiment),
	})
	if err != nil {
		fatal(log, "Failed to create experiment orchestrator", err)
	}

	if cfg.API.Enabled {
		server := api.New(api.Options{
			Addr:        cfg.API.Addr,
			Sensors:     manager,
			Experiments: orchestrator,
			History:     store,
			Logger:      logger.For(logger.ComponentAPI),
		})
		server.Start()

		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer shutdownCancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown status API: %v", err)
			}
		}()
	}

	startAcquisition(ctx, log, cfg, manager, orchestrator)

	watch, _ := env.GetAsBool(env.KeyWatch, false, true)
	if watch {
		watcher := config.NewWatcher(configManager, logger.For(logger.ComponentConfigManager))
		if err := watcher.Start(ctx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to watch config file: %v", err)
		} else {
			defer func() { _ = watcher.Stop() }()

			if _, err := sup.Schedule(func(ctx context.Context) (any, error) {
				return nil, applyDeviceChanges(ctx, log, watcher.Events(), manager)
			}, configWatchTask); err != nil {
				log.Errorw("Failed to schedule config reconciliation", "error", err)
			}
		}
	}

	<-sup.Done()
	log.Info("Supervisor stopped, cleaning up")

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cleanupCancel()

	if err := orchestrator.Cleanup(cleanupCtx); err != nil {
		log.Errorw("Experiment cleanup failed", "error", err)
	}

	if err := manager.Shutdown(cleanupCtx); err != nil {
		log.Errorw("Sensor manager shutdown failed", "error", err)
	}

	log.Info("labcore stopped")
}

// startAcquisition starts the autostart experiment when one is configured and
// otherwise polls every enabled device.
func startAcquisition(ctx context.Context, log *zap.SugaredLogger, cfg config.FullConfig,
	manager *sensormanager.Manager, orchestrator *experiment.Orchestrator,
) {
	auto := cfg.Experiments.Autostart
	if auto == nil || !auto.AutoStartSensors {
		n := manager.StartAllConfigured(ctx)
		log.Infow("Started configured devices", "count", n, "configured", len(cfg.Devices))
	}

	if auto == nil {
		return
	}

	id, err := orchestrator.Create(*auto)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to create autostart experiment: %v", err)
		return
	}

	if !orchestrator.Start(ctx, id) {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to start autostart experiment %s", id)
	}
}

// applyDeviceChanges keeps the polling engine in line with config edits made
// while the daemon runs. Updated devices are rebuilt from their new entry.
func applyDeviceChanges(ctx context.Context, log *zap.SugaredLogger, events <-chan config.DeviceEvent,
	manager *sensormanager.Manager,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			id := ev.Device.DeviceID
			log.Infow("Applying device config change", "device", id, "change", ev.Change)

			switch ev.Change {
			case config.DeviceRemoved:
				manager.Unregister(ctx, id)
			case config.DeviceUpdated:
				manager.Unregister(ctx, id)

				if ev.Device.Enabled {
					manager.StartDevices(ctx, []string{id})
				}
			case config.DeviceAdded:
				if ev.Device.Enabled {
					manager.StartDevices(ctx, []string{id})
				}
			}
		}
	}
}

func applyEnvOverrides(cfg config.FullConfig) (config.FullConfig, error) {
	dataDir, err := env.GetAsString(env.KeyDataDir, false, cfg.Storage.DataDir)
	if err != nil {
		return cfg, err
	}

	addr, err := env.GetAsString(env.KeyAPIAddr, false, cfg.API.Addr)
	if err != nil {
		return cfg, err
	}

	workers, err := env.GetAsInt(env.KeyWorkers, false, cfg.Acquisition.Workers)
	if err != nil {
		return cfg, err
	}

	cfg.Storage.DataDir = dataDir
	cfg.API.Addr = addr
	cfg.Acquisition.Workers = workers

	return cfg, nil
}

func fatal(log *zap.SugaredLogger, msg string, err error) {
	sentry.ReportIssuef(sentry.IssueTypeFatal, log, "%s: %v", msg, err)
	_ = logger.Sync()

	os.Exit(1)
}
