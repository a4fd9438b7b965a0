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

// Package storage declares the storage-backend capability the migration
// core consumes: attach/detach/activate/deactivate plus the SR activate
// capability probe (spec §1 OUT OF SCOPE, §3 VdiRef lifecycle).
package storage

import "github.com/clustervirt/migrate/pkg/migrate/types"

// Storage is injected into both the transmitter and receiver. Detach of
// a VDI that was never attached must be a no-op (spec §9 open question),
// so callers never need to guard at the call site.
type Storage interface {
	Attach(vdi types.VdiRef, mode types.VbdMode) error
	Detach(vdi types.VdiRef) error
	Activate(vdi types.VdiRef) error
	Deactivate(vdi types.VdiRef) error

	// HasActivateCapability reports whether the VDI's SR requires the
	// explicit Activate step after Attach before the device is usable.
	// When false, the VdiRef only ever transitions Detached<->Attached.
	HasActivateCapability(vdi types.VdiRef) bool
}
