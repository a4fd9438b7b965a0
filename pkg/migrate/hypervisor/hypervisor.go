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

// Package hypervisor declares the hypervisor control-layer capability the
// migration core consumes. A real implementation would drive libvirt/Xen;
// this module only depends on the interface (spec §1 OUT OF SCOPE).
package hypervisor

import (
	"io"

	"github.com/clustervirt/migrate/pkg/migrate/types"
)

// ShutdownReason classifies why a domain stopped running.
type ShutdownReason string

const (
	ShutdownSuspend ShutdownReason = "Suspend"
	ShutdownCrashed ShutdownReason = "Crashed"
	ShutdownHalt    ShutdownReason = "Halt"
	ShutdownReboot  ShutdownReason = "Reboot"
)

// ProgressFunc reports fractional progress in [0,1] during a long-running
// save/restore call.
type ProgressFunc func(fraction float64)

// PreShutdownFunc is invoked by Suspend immediately before the guest is
// paused for final state capture. The migration core composes this out
// of PCI-unplug-initiate, PCI-unplug-wait and the suspend-ack protocol
// (spec §4.2, §9 "do not fold these into the transmitter body").
type PreShutdownFunc func() error

// Hypervisor is the control-plane capability injected into the
// transmitter and receiver. All methods are synchronous/blocking; the
// core treats them as the suspension points described in spec §5.
type Hypervisor interface {
	// ResolveDomain returns the domid and HVM flag for a running VM.
	ResolveDomain(vm types.VmRef) (domid int, isHVM bool, err error)

	// Suspend streams domid's memory image to w, driving the iterative
	// live-migration copy when live is true. progress reports [0,1];
	// preShutdown runs once, immediately before the final pause.
	Suspend(domid int, w io.Writer, live bool, progress ProgressFunc, preShutdown PreShutdownFunc) error

	// LastShutdownReason reports why domid most recently stopped, used
	// by the transmitter to classify a Suspend failure (spec §4.2, §7).
	LastShutdownReason(domid int) (ShutdownReason, error)

	// HardShutdownVBD flushes a disk's in-flight blocks before detach,
	// observing any extra xenstore debug paths from other_config.
	HardShutdownVBD(vbd types.VbdRef, extraDebugPaths []string) error

	// CreateDomain instantiates a new, paused domain from a boot record
	// template. Returns the new domid.
	CreateDomain(bootRecord string) (domid int, err error)

	// ReserveMemory reserves memoryKiB for domid before device restore.
	ReserveMemory(domid int, memoryKiB uint64) error

	// RestoreDevices attaches the VM's virtual devices (VBDs, VIFs) to
	// domid. Safe to call once the corresponding VDIs are attached (and,
	// when delayed, activated).
	RestoreDevices(domid int, vm types.VmRef) error

	// RestoreMemoryImage consumes a memory image from r into domid.
	RestoreMemoryImage(domid int, r io.Reader) error

	// Unpause resumes a freshly-restored domain.
	Unpause(domid int) error

	// DestroyDomain tears down domid. preserveXenstore keeps xenstore
	// entries alive for a localhost hand-off; detachDevices detaches the
	// domain's devices (callers pass it only when not localhost). VDI
	// deactivation is not done here; callers run it separately (spec §4.2
	// guaranteed release).
	DestroyDomain(domid int, preserveXenstore, detachDevices bool) error

	// UnplugPCI best-effort hot-unplugs passthrough PCI devices. The
	// protocol supports exactly one device; callers that pass more than
	// one should warn and truncate rather than ask this to generalize
	// (spec §9 open question).
	UnplugPCI(domid int, devices []string) error

	// WaitPCIUnplugComplete blocks until a previously-initiated
	// UnplugPCI has finished.
	WaitPCIUnplugComplete(domid int) error

	// PlugPCI re-attaches PCI passthrough devices after adoption.
	PlugPCI(domid int, devices []string) error

	// RebalanceMemory asks the host to rebalance memory across domains
	// after a domain is adopted.
	RebalanceMemory() error

	// VBDPaused reports whether a VBD is currently in the hypervisor's
	// paused state (consulted by the coordinator's admission gate).
	VBDPaused(vbd types.VbdRef) (bool, error)
}
