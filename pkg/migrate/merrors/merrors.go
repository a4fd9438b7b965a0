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

// Package merrors is the structured error taxonomy surfaced to callers
// of the migration engine (spec §6/§7). Every terminal failure is one of
// these types so the coordinator can map it onto a task/event status
// without string-matching messages.
package merrors

import "fmt"

// VmMigrateFailed wraps any failure that occurred while actually moving
// the guest, carrying the VM and both hosts for diagnostics.
type VmMigrateFailed struct {
	VM     string
	Src    string
	Dst    string
	Reason string
}

func (e *VmMigrateFailed) Error() string {
	return fmt.Sprintf("VM_MIGRATE_FAILED(vm=%s, src=%s, dst=%s): %s", e.VM, e.Src, e.Dst, e.Reason)
}

// HostDisabled is raised by the coordinator's precondition check before
// any guest mutation happens.
type HostDisabled struct {
	VM string
}

func (e *HostDisabled) Error() string {
	return fmt.Sprintf("HOST_DISABLED(vm=%s)", e.VM)
}

// HostOffline is raised when the coordinator cannot open the transport to
// the destination host.
type HostOffline struct {
	Host string
}

func (e *HostOffline) Error() string {
	return fmt.Sprintf("HOST_OFFLINE(host=%s)", e.Host)
}

// OtherOperationInProgress is raised by the no-paused-VBDs admission gate
// once its retry budget is exhausted (Kind "VBD"), and by the in-memory
// database in cmd/migrated when a VM lock is already held (Kind "VM").
type OtherOperationInProgress struct {
	Kind string // "VBD" from the admission gate, "VM" from a held VM lock
	Ref  string
}

func (e *OtherOperationInProgress) Error() string {
	return fmt.Sprintf("OTHER_OPERATION_IN_PROGRESS(%s, %s)", e.Kind, e.Ref)
}

// TaskCancelled is raised when cluster task cancellation or an external
// abort signal preempts the migration.
type TaskCancelled struct {
	Reason string
}

func (e *TaskCancelled) Error() string {
	if e.Reason == "" {
		return "TASK_CANCELLED"
	}
	return fmt.Sprintf("TASK_CANCELLED(%s)", e.Reason)
}

// NotImplemented is raised by operations explicitly out of scope, namely
// cross-pool VM.migrate (spec §4.6).
type NotImplemented struct {
	Op string
}

func (e *NotImplemented) Error() string {
	return fmt.Sprintf("NOT_IMPLEMENTED(%s)", e.Op)
}

// InternalError wraps a contract violation from an upstream caller (e.g.
// an illegal power state reaching the coordinator's dispatch).
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("INTERNAL_ERROR: %s", e.Msg)
}

// RemoteFailed is the handshake channel's framing-level error: a short
// read or write on the byte stream. A peer-reported Error frame is not a
// RemoteFailed; the channel returns it as a plain error carrying the
// peer's message.
type RemoteFailed struct {
	Reason string
}

func (e *RemoteFailed) Error() string {
	return fmt.Sprintf("REMOTE_FAILED: %s", e.Reason)
}

// DomainShutdownForWrongReason classifies a hypervisor-reported shutdown
// that did not match the expected "Suspend" reason. Crashed is handled
// specially by the transmitter (spec §4.2 error classification): it
// produces a fixed diagnostic and defers recovery to the event thread
// instead of forcing any local state change here.
type DomainShutdownForWrongReason struct {
	Reason string
}

func (e *DomainShutdownForWrongReason) Error() string {
	return fmt.Sprintf("domain shut down for wrong reason: %s", e.Reason)
}

// IsCrashed reports whether this shutdown reason is the crash case that
// the transmitter must classify distinctly from any other wrong-reason
// shutdown (spec §4.2, §7).
func (e *DomainShutdownForWrongReason) IsCrashed() bool {
	return e.Reason == "Crashed"
}
