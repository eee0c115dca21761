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

// Package api serves a read-only HTTP view of the acquisition and experiment
// state plus the Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/labcore/pkg/experiment"
	"github.com/united-manufacturing-hub/labcore/pkg/logger"
	"github.com/united-manufacturing-hub/labcore/pkg/models"
	"github.com/united-manufacturing-hub/labcore/pkg/sensormanager"
	"github.com/united-manufacturing-hub/labcore/pkg/sentry"
)

const DefaultReadHeaderTimeout = 5 * time.Second

// SensorSource is the part of the polling engine the API reads from.
type SensorSource interface {
	LatestReadings() map[string]models.Reading
	Reading(id string) (models.Reading, bool)
	SensorStatus() map[string]sensormanager.DeviceStatus
}

// ExperimentSource is the part of the orchestrator the API reads from.
type ExperimentSource interface {
	State() experiment.State
	Phase() experiment.Phase
	CurrentExperiment() string
	List() []string
	Result(id string) (experiment.Result, bool)
	Statistics(id string) (experiment.Statistics, bool)
}

// HistorySource reads persisted readings, newest first.
type HistorySource interface {
	Readings(ctx context.Context, category, deviceID string, limit int) ([]models.Reading, error)
}

// Options wires the server. Sources left nil answer with 503.
type Options struct {
	Addr        string
	Debug       bool
	Sensors     SensorSource
	Experiments ExperimentSource
	History     HistorySource
	Logger      *zap.SugaredLogger
}

type Server struct {
	sensors     SensorSource
	experiments ExperimentSource
	history     HistorySource
	log         *zap.SugaredLogger
	started     time.Time

	router *gin.Engine
	srv    *http.Server
}

func New(opts Options) *Server {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		sensors:     opts.Sensors,
		experiments: opts.Experiments,
		history:     opts.History,
		log:         logger.OrDefault(opts.Logger, logger.ComponentAPI),
		started:     time.Now(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugw("Handled request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	})

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/readings", s.handleReadings)
	v1.GET("/sensors", s.handleSensors)
	v1.GET("/sensors/:id", s.handleSensor)
	v1.GET("/sensors/:id/history", s.handleHistory)
	v1.GET("/experiments", s.handleExperiments)
	v1.GET("/experiments/:id", s.handleExperiment)
	v1.GET("/experiment/state", s.handleExperimentState)

	s.router = router
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background. Listen errors are reported, not returned.
func (s *Server) Start() {
	go func() {
		s.log.Infow("Starting status API", "addr", s.srv.Addr)

		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeFatal, s.log)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Stopping status API")
	return s.srv.Shutdown(ctx)
}
