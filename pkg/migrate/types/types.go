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

// Package types holds the wire- and protocol-independent data model shared
// by the transmitter, receiver and coordinator: VM/VBD/VDI references, the
// domain handle, and the transient per-migration session state.
package types

import "io"

// PowerState mirrors the cluster database's notion of a VM's run state.
// The migration core only ever branches on Halted/Suspended/Running; any
// other value is a contract violation from the caller.
type PowerState string

const (
	Halted    PowerState = "Halted"
	Suspended PowerState = "Suspended"
	Running   PowerState = "Running"
)

// VbdMode is the guest-visible access mode of a disk attachment.
type VbdMode string

const (
	ModeRO VbdMode = "RO"
	ModeRW VbdMode = "RW"
)

// HostRef is an opaque cluster-wide host identity.
type HostRef string

// VmRef is the opaque identity of a guest in the cluster database. The
// core never dereferences it; all mutation happens through the injected
// clusterdb.DB capability.
type VmRef struct {
	Ref string

	PowerState   PowerState
	ResidentOn   HostRef
	Domid        int
	BootRecord   string // opaque snapshot/template identity used to create the domain
	IsHVM        bool
	CPUFlags     string
	VBDs         []VbdRef
	PCIDevices   []string
	OtherConfig  map[string]string

	// ActionsAfterCrash is read-only context for the event thread's crash
	// recovery policy (spec §1 Non-goals). The core never interprets it;
	// the transmitter only includes it in the warning it logs when it
	// classifies a crash during suspend.
	ActionsAfterCrash string
}

// OtherConfigString reads a string other_config knob, returning ("", false)
// when absent.
func (v VmRef) OtherConfigString(key string) (string, bool) {
	if v.OtherConfig == nil {
		return "", false
	}
	val, ok := v.OtherConfig[key]
	return val, ok
}

// VbdRef is a guest disk attachment.
type VbdRef struct {
	Ref               string
	VM                string
	VDI               string
	Mode              VbdMode
	CurrentlyAttached bool
	Empty             bool
	Paused            bool
	// Device is the derived hypervisor device handle (e.g. "xvda"),
	// populated once the VBD is plugged into a domain.
	Device string
}

// VdiActivationState is the 4-state lifecycle every VdiRef walks through
// on each side of a migration: Detached -> Attached -> Activated ->
// Attached -> Detached. An SR without VDI_ACTIVATE capability only ever
// visits Detached/Attached.
type VdiActivationState int

const (
	Detached VdiActivationState = iota
	Attached
	Activated
)

// VdiRef is a virtual disk image.
type VdiRef struct {
	Ref             string
	SR              string
	HasActivateCap  bool
	State           VdiActivationState
}

// Domain is a hypervisor-local running instance of a VM.
type Domain struct {
	Domid  int
	Paused bool
}

// ResourceLedger is the per-side bookkeeping of exactly what has been
// done and therefore exactly what must be undone on any exit path. It is
// intentionally mutable across the lifetime of one migration: which
// resources need releasing changes as the protocol advances through the
// barriers (spec §9 "Exceptions as control flow").
type ResourceLedger struct {
	// Source-side.
	DeactivateInFinally bool
	DetachInFinally     bool

	// Destination-side.
	AttachedVDIs []string
	CreatedDomid int
	DomainExists bool
}

// NewSourceLedger seeds the flags per spec §3: deactivate_in_finally
// starts true unless the migration never left the host.
func NewSourceLedger(isLocalhost bool) *ResourceLedger {
	return &ResourceLedger{
		DeactivateInFinally: !isLocalhost,
		DetachInFinally:     true,
	}
}

// MigrationSession is transient, one per in-flight migration.
type MigrationSession struct {
	IsLocalhost bool
	IsLive      bool

	ByteStream io.ReadWriteCloser
	SessionID  string
	TaskID     string

	SourceHost HostRef
	DestHost   HostRef

	Progress float64

	PCIUnplugStarted    bool
	PCIDevicesToUnplug  []string

	Resources *ResourceLedger
}

// PCIHotUnplugTimeDefault is the progress fraction, in [0,1], at which the
// transmitter fires its one-shot best-effort PCI hot-unplug when the VM's
// other_config does not override it via pci-hotunplug-time.
const PCIHotUnplugTimeDefault = 0.8

// SuspendAckTimeoutSeconds bounds the only timed wait in the protocol.
const SuspendAckTimeoutSeconds = 60

// OtherConfig well-known keys (spec §6).
const (
	OtherConfigFailureTestKey  = "migration_failure_test_key"
	OtherConfigExtraPathsKey   = "migration_extra_paths_key"
	OtherConfigPCIUnplugTimeKey = "pci-hotunplug-time"
)
