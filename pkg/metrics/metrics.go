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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	// Component Labels.
	ComponentSupervisor    = "supervisor"
	ComponentWorkerPool    = "worker_pool"
	ComponentSensorManager = "sensor_manager"
	ComponentPipeline      = "pipeline"
	ComponentExperiment    = "experiment"
	ComponentPersistence   = "persistence"
	ComponentArchive       = "archive"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "labcore"
	subsystem = "core"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	// Acquisition.
	readingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "readings_total",
			Help:      "Readings acquired per device and status",
		},
		[]string{"device", "status"},
	)

	deviceReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "device_reconnects_total",
			Help:      "Reconnect attempts after consecutive read failures",
		},
		[]string{"device"},
	)

	devicesPolling = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "devices_polling",
			Help:      "Number of devices with an active polling loop",
		},
	)

	// Pipeline.
	stageDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pipeline_stage_duration_milliseconds",
			Help:      "Time taken by a single pipeline stage (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.99: 0.01,
			},
		},
		[]string{"pipeline", "stage"},
	)

	stageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pipeline_stage_errors_total",
			Help:      "Failures returned by a pipeline stage",
		},
		[]string{"pipeline", "stage"},
	)

	// Supervisor.
	tasksTracked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "supervisor_tasks",
			Help:      "Tasks currently tracked by a supervisor",
		},
		[]string{"supervisor"},
	)

	taskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "supervisor_task_transitions_total",
			Help:      "Task lifecycle transitions (registered, finished, cancelled, failed)",
		},
		[]string{"supervisor", "transition"},
	)

	// Worker pool.
	poolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "worker_pool_queue_depth",
			Help:      "Jobs waiting in the worker pool queue",
		},
		[]string{"pool"},
	)

	poolRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "worker_pool_rejected_total",
			Help:      "Jobs rejected because the key was in progress or the queue was full",
		},
		[]string{"pool", "reason"},
	)

	// Experiments.
	experimentState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "experiment_state",
			Help:      "Current experiment state (0=idle, 1=configuring, 2=starting, 3=running, 4=paused, 5=stopping, 6=completed, 7=failed, 8=cancelled, -1=unknown)",
		},
	)

	experimentDataPoints = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "experiment_data_points_total",
			Help:      "Data points collected across all experiments",
		},
	)

	// Persistence.
	persistenceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "persistence_writes_total",
			Help:      "Readings written to storage per category and result",
		},
		[]string{"category", "result"},
	)
)

// IncErrorCountAndLog increments the error counter for a component and logs a debug message if a logger is provided.
func IncErrorCountAndLog(component, instance string, err error, logger *zap.SugaredLogger) {
	IncErrorCount(component, instance)

	if logger != nil {
		logger.Debugf("Component %s instance %s failed: %v", component, instance, err)
	}
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// RecordReading counts one acquired reading.
func RecordReading(device, status string) {
	readingsTotal.WithLabelValues(device, status).Inc()
}

func IncDeviceReconnect(device string) {
	deviceReconnects.WithLabelValues(device).Inc()
}

func SetDevicesPolling(n int) {
	devicesPolling.Set(float64(n))
}

// ObserveStage records one stage invocation and, when failed, its error.
func ObserveStage(pipeline, stage string, duration time.Duration, failed bool) {
	stageDuration.WithLabelValues(pipeline, stage).Observe(float64(duration.Microseconds()) / 1000)
	if failed {
		stageErrors.WithLabelValues(pipeline, stage).Inc()
	}
}

func SetTasksTracked(supervisor string, n int) {
	tasksTracked.WithLabelValues(supervisor).Set(float64(n))
}

func IncTaskTransition(supervisor, transition string) {
	taskTransitions.WithLabelValues(supervisor, transition).Inc()
}

func SetQueueDepth(pool string, n int) {
	poolQueueDepth.WithLabelValues(pool).Set(float64(n))
}

func IncPoolRejected(pool, reason string) {
	poolRejected.WithLabelValues(pool, reason).Inc()
}

// UpdateExperimentState publishes the numeric value of an experiment state.
func UpdateExperimentState(state string) {
	experimentState.Set(getStateValue(state))
}

func IncExperimentDataPoints() {
	experimentDataPoints.Inc()
}

func RecordPersistenceWrite(category string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	persistenceWrites.WithLabelValues(category, result).Inc()
}

func getStateValue(state string) float64 {
	switch state {
	case "idle":
		return 0
	case "configuring":
		return 1
	case "starting":
		return 2
	case "running":
		return 3
	case "paused":
		return 4
	case "stopping":
		return 5
	case "completed":
		return 6
	case "failed":
		return 7
	case "cancelled":
		return 8
	default:
		return -1
	}
}
