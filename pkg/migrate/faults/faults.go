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

// Package faults implements the deterministic, VM-metadata-keyed
// failure-injection points used by the migration test suite (spec §6).
// Production builds see a VM whose other_config never sets
// migration_failure_test_key, so Point is always a no-op there.
package faults

import (
	"strconv"

	"github.com/clustervirt/migrate/pkg/migrate/merrors"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

// Point identifies one of the five injection points named in spec §6.
type Point int

const (
	// SourceBeforeSuspend fires just before the transmitter calls Suspend.
	SourceBeforeSuspend Point = 1
	// SourceCrashDuringSuspend forces the domain to report Crashed
	// instead of Suspend as its shutdown reason.
	SourceCrashDuringSuspend Point = 2
	// SourceAfterSuspendBeforeFlush fires after Suspend returns, before
	// the transmitter hard-shuts-down VBDs.
	SourceAfterSuspendBeforeFlush Point = 3
	// DestinationBeforeMemoryRestore fires before the receiver consumes
	// the memory image from the stream.
	DestinationBeforeMemoryRestore Point = 4
	// DestinationCrashAfterRestore simulates a destination crash after
	// memory restore; the migration continues through barrier [3] and the
	// receiver then fails its adopt step without calling Unpause (spec S5).
	DestinationCrashAfterRestore Point = 5
)

// Active reports the injection point requested via other_config, or 0
// (no point configured) when the key is absent, empty, or unparsable.
func Active(vm types.VmRef) Point {
	raw, ok := vm.OtherConfigString(types.OtherConfigFailureTestKey)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 5 {
		return 0
	}
	return Point(n)
}

// Inject raises a synthetic failure if point is the one configured on vm,
// otherwise it's a no-op. Call sites pass the point they represent; the
// transmitter and receiver each call this at their respective spots.
func Inject(vm types.VmRef, point Point) error {
	if Active(vm) != point {
		return nil
	}
	switch point {
	case SourceBeforeSuspend:
		return &merrors.VmMigrateFailed{VM: vm.Ref, Reason: "injected failure at point 1 (before suspend)"}
	case SourceAfterSuspendBeforeFlush:
		return &merrors.VmMigrateFailed{VM: vm.Ref, Reason: "injected failure at point 3 (after suspend, before flush)"}
	case DestinationBeforeMemoryRestore:
		return &merrors.VmMigrateFailed{VM: vm.Ref, Reason: "injected failure at point 4 (before memory restore)"}
	default:
		// Points 2 and 5 are not raised here: they change what the
		// hypervisor/domain reports rather than failing synchronously.
		// See CrashDuringSuspend and CrashAfterRestore.
		return nil
	}
}

// CrashDuringSuspend reports whether fault point 2 is configured. Nothing
// in this module calls it: a real hypervisor's LastShutdownReason can't
// be told to lie by other_config, and scenario S4 takes effect by setting
// its hypervisor fake's shutdownReason to Crashed directly. Point 5, by
// contrast, is wired into the receiver's production path through
// CrashAfterRestore below.
func CrashDuringSuspend(vm types.VmRef) bool {
	return Active(vm) == SourceCrashDuringSuspend
}

// CrashAfterRestore reports whether fault point 5 is configured. The
// receiver consults it at its adopt step and, when set, fails adoption
// before Unpause; the hypervisor itself is not told about the crash.
func CrashAfterRestore(vm types.VmRef) bool {
	return Active(vm) == DestinationCrashAfterRestore
}
