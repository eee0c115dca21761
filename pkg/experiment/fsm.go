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
	"errors"
	"slices"

	"github.com/looplab/fsm"

	"github.com/united-manufacturing-hub/labcore/pkg/metrics"
	"github.com/united-manufacturing-hub/labcore/pkg/sentry"
)

const (
	EventConfigure  = "configure"
	EventConfigured = "configured"
	EventStart      = "start"
	EventRun        = "run"
	EventPause      = "pause"
	EventResume     = "resume"
	EventStop       = "stop"
	EventComplete   = "complete"
	EventFail       = "fail"
	EventCancel     = "cancel"
	EventReset      = "reset"
)

func newMachine() *fsm.FSM {
	active := []string{
		string(StateConfiguring),
		string(StateStarting),
		string(StateRunning),
		string(StatePaused),
		string(StateStopping),
	}

	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: EventConfigure, Src: []string{string(StateIdle)}, Dst: string(StateConfiguring)},
			{Name: EventConfigured, Src: []string{string(StateConfiguring)}, Dst: string(StateIdle)},
			{Name: EventStart, Src: []string{string(StateIdle)}, Dst: string(StateStarting)},
			{Name: EventRun, Src: []string{string(StateStarting)}, Dst: string(StateRunning)},
			{Name: EventPause, Src: []string{string(StateRunning)}, Dst: string(StatePaused)},
			{Name: EventResume, Src: []string{string(StatePaused)}, Dst: string(StateRunning)},
			{Name: EventStop, Src: []string{string(StateRunning), string(StatePaused)}, Dst: string(StateStopping)},
			{Name: EventComplete, Src: []string{string(StateStopping)}, Dst: string(StateCompleted)},
			{Name: EventFail, Src: active, Dst: string(StateFailed)},
			{
				Name: EventCancel,
				Src:  slices.Concat(active, []string{string(StateCompleted), string(StateFailed)}),
				Dst:  string(StateCancelled),
			},
			{Name: EventReset, Src: []string{string(StateCompleted), string(StateCancelled)}, Dst: string(StateIdle)},
		},
		nil,
	)
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.machine.Current())
}

// checkTransition logs and returns an InvalidTransitionError when event is not
// legal in the current state.
func (o *Orchestrator) checkTransition(event string) error {
	if o.machine.Can(event) {
		return nil
	}

	err := &InvalidTransitionError{
		Event: event,
		From:  o.State(),
		Err:   fsm.InvalidEventError{Event: event, State: o.machine.Current()},
	}
	o.log.Errorw("Invalid experiment transition", "error", err)

	return err
}

// transition fires event, syncs the current result's state and runs the
// state-change callbacks once the machine has settled.
func (o *Orchestrator) transition(event string) error {
	from := o.State()

	// a cancelled context leaves looplab/fsm stuck mid-transition
	if err := o.machine.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}

		terr := &InvalidTransitionError{Event: event, From: from, Err: err}
		o.log.Errorw("Invalid experiment transition", "error", terr)

		return terr
	}

	to := o.State()

	o.mu.Lock()
	id := o.current
	if r, ok := o.results[id]; ok {
		r.State = to
	}
	callbacks := slices.Clone(o.stateCallbacks)
	o.mu.Unlock()

	metrics.UpdateExperimentState(string(to))
	o.log.Infow("Experiment state changed", "from", from, "to", to, "experiment", id)

	for _, cb := range callbacks {
		o.notifyStateChange(cb, from, to)
	}

	return nil
}

func (o *Orchestrator) notifyStateChange(cb StateChangeFunc, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			_ = sentry.ReportPanic(o.log, "experiment state callback", r)
		}
	}()

	cb(from, to)
}

// AddStateChangeCallback registers cb for every future transition.
func (o *Orchestrator) AddStateChangeCallback(cb StateChangeFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stateCallbacks = append(o.stateCallbacks, cb)
}
