/*
 * This file is part of the clustermigrate project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package ledger implements the guaranteed-release bookkeeping that
// backs the transmitter's and receiver's guarded blocks (spec §3, §9).
// Resources are registered as work proceeds and released exactly once,
// best-effort, regardless of which exit path the guarded block takes.
package ledger

import (
	"github.com/clustervirt/migrate/pkg/migrate/storage"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

// ReleaseFunc performs one best-effort cleanup step. Errors are logged
// by the caller and dropped: cleanup never masks the original failure
// (spec §7 propagation policy).
type ReleaseFunc func() error

// Guard accumulates release steps in the order their resources were
// acquired and runs them in reverse on Release, mirroring a defer stack.
// Steps already neutralized (e.g. the ledger flag was cleared because
// the protocol advanced past the point that owned the resource) are
// expected to be no-ops, not absent — Release always runs every step
// registered.
type Guard struct {
	steps []namedStep
}

type namedStep struct {
	name string
	fn   ReleaseFunc
}

// Defer registers a cleanup step to run, in LIFO order, when Release is
// called.
func (g *Guard) Defer(name string, fn ReleaseFunc) {
	g.steps = append(g.steps, namedStep{name: name, fn: fn})
}

// Release runs every registered step in reverse registration order,
// calling onErr for any that fails instead of propagating. Returns the
// number of steps that failed, for metrics/logging.
func (g *Guard) Release(onErr func(step string, err error)) int {
	failed := 0
	for i := len(g.steps) - 1; i >= 0; i-- {
		step := g.steps[i]
		if err := step.fn(); err != nil {
			failed++
			if onErr != nil {
				onErr(step.name, err)
			}
		}
	}
	g.steps = nil
	return failed
}

// DeactivateAll best-effort deactivates every vdi in vdis, continuing
// past individual failures (spec §4.2 step 4: "best-effort, per-VDI
// log-and-continue").
func DeactivateAll(s storage.Storage, vdis []types.VdiRef, onErr func(types.VdiRef, error)) {
	for _, vdi := range vdis {
		if err := s.Deactivate(vdi); err != nil && onErr != nil {
			onErr(vdi, err)
		}
	}
}

// DetachAll best-effort detaches every vdi in vdis. Detaching a VDI that
// was never attached must be a no-op on the Storage implementation, not
// a guard here (spec §9 open question), so this runs unconditionally.
func DetachAll(s storage.Storage, vdis []types.VdiRef, onErr func(types.VdiRef, error)) {
	for _, vdi := range vdis {
		if err := s.Detach(vdi); err != nil && onErr != nil {
			onErr(vdi, err)
		}
	}
}
