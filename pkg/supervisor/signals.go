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

package supervisor

import (
	"os"
	"os/signal"
	"syscall"
	"time"
)

// InstallSignalHandlers shuts the supervisor down on SIGINT or SIGTERM and then stops the loop.
func (s *Supervisor) InstallSignalHandlers(timeout time.Duration) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if err := s.handleSignals(timeout, quit, func() { signal.Stop(quit) }); err != nil {
		signal.Stop(quit)
		return err
	}

	return nil
}

// handleSignals waits for the first value on quit. release runs once the
// watcher goroutine exits.
func (s *Supervisor) handleSignals(timeout time.Duration, quit <-chan os.Signal, release func()) error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return ErrNotStarted
	}

	go func() {
		defer release()

		select {
		case <-ctx.Done():
			return
		case sig := <-quit:
			s.log.Infow("Received signal, shutting down", "signal", sig.String(), "timeout", timeout)

			if err := s.Shutdown(timeout); err != nil {
				s.log.Errorw("Shutdown tasks did not complete in time", "error", err)
			}

			s.Stop()
		}
	}()

	return nil
}
