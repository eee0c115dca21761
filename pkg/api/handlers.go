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

package api

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/labcore/pkg/experiment"
	"github.com/united-manufacturing-hub/labcore/pkg/models"
	"github.com/united-manufacturing-hub/labcore/pkg/persistence"
	"github.com/united-manufacturing-hub/labcore/pkg/sensormanager"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 10000
)

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type sensorResponse struct {
	ID string `json:"id"`
	sensormanager.DeviceStatus
	Reading *models.Reading `json:"reading,omitempty"`
}

type stateResponse struct {
	State      experiment.State `json:"state"`
	Phase      experiment.Phase `json:"phase"`
	Experiment string           `json:"experiment,omitempty"`
}

// writeJSON encodes with goccy/go-json instead of gin's encoder.
func (s *Server) writeJSON(c *gin.Context, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Errorw("Failed to encode response", "path", c.FullPath(), "error", err)
		status = http.StatusInternalServerError
		data = []byte(`{"error":"failed to encode response","status":500}`)
	}

	c.Data(status, "application/json; charset=utf-8", data)
}

func (s *Server) writeError(c *gin.Context, status int, msg string) {
	s.writeJSON(c, status, errorResponse{Error: msg, Status: status})
}

func (s *Server) handleHealth(c *gin.Context) {
	s.writeJSON(c, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleReadings(c *gin.Context) {
	if s.sensors == nil {
		s.writeError(c, http.StatusServiceUnavailable, "acquisition is not running")
		return
	}

	s.writeJSON(c, http.StatusOK, s.sensors.LatestReadings())
}

func (s *Server) handleSensors(c *gin.Context) {
	if s.sensors == nil {
		s.writeError(c, http.StatusServiceUnavailable, "acquisition is not running")
		return
	}

	status := s.sensors.SensorStatus()
	ids := make([]string, 0, len(status))

	for id := range status {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	out := make([]sensorResponse, 0, len(ids))
	for _, id := range ids {
		out = append(out, sensorResponse{ID: id, DeviceStatus: status[id]})
	}

	s.writeJSON(c, http.StatusOK, out)
}

func (s *Server) handleSensor(c *gin.Context) {
	if s.sensors == nil {
		s.writeError(c, http.StatusServiceUnavailable, "acquisition is not running")
		return
	}

	id := c.Param("id")

	st, ok := s.sensors.SensorStatus()[id]
	if !ok {
		s.writeError(c, http.StatusNotFound, "unknown sensor "+id)
		return
	}

	resp := sensorResponse{ID: id, DeviceStatus: st}
	if r, ok := s.sensors.Reading(id); ok {
		resp.Reading = &r
	}

	s.writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		s.writeError(c, http.StatusServiceUnavailable, "persistence is disabled")
		return
	}

	limit := DefaultHistoryLimit

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > MaxHistoryLimit {
			s.writeError(c, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(MaxHistoryLimit))
			return
		}

		limit = n
	}

	category := c.DefaultQuery("category", sensormanager.CategoryRaw)

	readings, err := s.history.Readings(c.Request.Context(), category, c.Param("id"), limit)
	if err != nil {
		s.log.Warnw("Failed to read history", "sensor", c.Param("id"), "category", category, "error", err)
		s.writeError(c, historyStatus(err), err.Error())

		return
	}

	s.writeJSON(c, http.StatusOK, readings)
}

// historyStatus maps storage errors to HTTP status codes.
func historyStatus(err error) int {
	switch {
	case errors.Is(err, persistence.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, persistence.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleExperiments(c *gin.Context) {
	if s.experiments == nil {
		s.writeError(c, http.StatusServiceUnavailable, "experiments are disabled")
		return
	}

	ids := s.experiments.List()
	out := make([]experiment.Statistics, 0, len(ids))

	for _, id := range ids {
		if st, ok := s.experiments.Statistics(id); ok {
			out = append(out, st)
		}
	}

	s.writeJSON(c, http.StatusOK, out)
}

func (s *Server) handleExperiment(c *gin.Context) {
	if s.experiments == nil {
		s.writeError(c, http.StatusServiceUnavailable, "experiments are disabled")
		return
	}

	id := c.Param("id")

	res, ok := s.experiments.Result(id)
	if !ok {
		s.writeError(c, http.StatusNotFound, "unknown experiment "+id)
		return
	}

	s.writeJSON(c, http.StatusOK, res)
}

func (s *Server) handleExperimentState(c *gin.Context) {
	if s.experiments == nil {
		s.writeError(c, http.StatusServiceUnavailable, "experiments are disabled")
		return
	}

	s.writeJSON(c, http.StatusOK, stateResponse{
		State:      s.experiments.State(),
		Phase:      s.experiments.Phase(),
		Experiment: s.experiments.CurrentExperiment(),
	})
}
