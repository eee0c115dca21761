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

package sentry

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

// debounceWindow is the minimum distance between two events of the same level.
const debounceWindow = 2 * time.Hour

type debouncer struct {
	mu       sync.Mutex
	lastSent time.Time
}

// allow reports whether an event may be sent now and records the send.
func (d *debouncer) allow() bool {
	if !shouldDebounceErrors.Load() {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lastSent.IsZero() && time.Since(d.lastSent) < debounceWindow {
		return false
	}
	d.lastSent = time.Now()

	return true
}

var (
	errorDebounce   debouncer
	warningDebounce debouncer
)

func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	reportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// reportIssueWithContext logs err and sends it to sentry with context attached as tags/extra.
// Fatal issues are flushed and then panic through the logger.
func reportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if err == nil {
		return
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal:
		log.Errorw("Fatal error, terminating", "error", err, "context", context)
		sendSentryEvent(createSentryEvent(sentry.LevelFatal, err, context))
		sentry.Flush(5 * time.Second)
		log.Panic("Fatal error")
	case IssueTypeError:
		log.Errorw(err.Error(), "context", context)
		if errorDebounce.allow() {
			sendSentryEvent(createSentryEvent(sentry.LevelError, err, context))
		}
	case IssueTypeWarning:
		log.Warnw(err.Error(), "context", context)
		if warningDebounce.allow() {
			sendSentryEvent(createSentryEvent(sentry.LevelWarning, err, context))
		}
	}
}

// ReportExperimentError reports an unexpected error inside the experiment lifecycle.
func ReportExperimentError(log *zap.SugaredLogger, experimentID, operation string, err error) {
	reportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"experiment_id": experimentID,
		"component":     "experiment",
		"operation":     operation,
	})
}

// ReportDeviceError reports an unexpected (non read-path) device failure.
func ReportDeviceError(log *zap.SugaredLogger, deviceID, operation string, err error) {
	reportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"device_id": deviceID,
		"component": "sensor",
		"operation": operation,
	})
}

// ReportPanic converts a recovered panic value into an error report and returns the error.
func ReportPanic(log *zap.SugaredLogger, operation string, recovered interface{}) error {
	err := fmt.Errorf("panic in %s: %v", operation, recovered)
	reportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"operation": operation,
	})

	return err
}
