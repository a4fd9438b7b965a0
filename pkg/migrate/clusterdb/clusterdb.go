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

// Package clusterdb declares the cluster object database capability
// (VM/VBD/VDI/Host records, per-VM locking) the migration core consumes
// (spec §1 OUT OF SCOPE).
package clusterdb

import "github.com/clustervirt/migrate/pkg/migrate/types"

// Lock is the cluster's per-VM mutual exclusion handle. The coordinator
// and the destination admission handler hold one across the migration
// they're driving (spec §5 Locking discipline).
type Lock interface {
	Unlock()
}

// DB is the cluster object database capability.
type DB interface {
	// LockVM acquires the cluster-wide per-VM lock.
	LockVM(vm types.VmRef) (Lock, error)

	GetVM(ref string) (types.VmRef, error)
	SetAffinity(vm types.VmRef, host types.HostRef) error
	SetResidentOn(vm types.VmRef, host types.HostRef, domid int) error
	SetPowerState(vm types.VmRef, state types.PowerState) error

	HostDisabled(host types.HostRef) (bool, error)
	HostCPUFlags(host types.HostRef) (string, error)
}
