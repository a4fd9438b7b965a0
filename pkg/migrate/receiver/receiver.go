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

// Package receiver implements the destination-side half of the
// migration state machine (spec §4.3): disk attach, domain create,
// memory reserve, device restore, memory-image restore, activate,
// unpause, and record adoption.
package receiver

import (
	"io"

	"github.com/clustervirt/migrate/pkg/log"
	"github.com/clustervirt/migrate/pkg/migrate/faults"
	"github.com/clustervirt/migrate/pkg/migrate/handshake"
	"github.com/clustervirt/migrate/pkg/migrate/hypervisor"
	"github.com/clustervirt/migrate/pkg/migrate/ledger"
	"github.com/clustervirt/migrate/pkg/migrate/merrors"
	"github.com/clustervirt/migrate/pkg/migrate/storage"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

// PeerLookup remaps the VM reference the source identified onto the
// record the destination should actually operate on, defaulting to
// identity. This is the pluggable capability backing the protected-VM
// subsystem named in spec §9.
type PeerLookup func(types.VmRef) types.VmRef

func IdentityPeerLookup(vm types.VmRef) types.VmRef { return vm }

// Adopter performs the cluster-database side of adoption: updating
// domid/resident_on and any protected-VM state, plus host memory
// rebalancing. Out of scope per spec §1; the receiver only calls it at
// the point spec §4.3 "Adopt" names.
type Adopter interface {
	SetDomidAndResidentOn(vm types.VmRef, domid int, host types.HostRef) error
	UpdateProtectedVMState(vm types.VmRef) error
}

// Input bundles everything the receiver needs, mirroring spec §4.3's
// "Inputs" list.
type Input struct {
	VM                types.VmRef
	IsLocalhost       bool
	DestHost          types.HostRef
	ByteStream        io.Reader // delivers the memory image directly
	Channel           *handshake.Channel
	Hypervisor        hypervisor.Hypervisor
	Storage           storage.Storage
	Adopter           Adopter
	PeerLookup        PeerLookup
	MemoryRequiredKiB uint64

	Log *log.FilteredLogger
}

// Run executes the full receiver choreography.
func Run(in Input) error {
	logger := in.Log
	if logger == nil {
		logger = log.Log
	}
	lookup := in.PeerLookup
	if lookup == nil {
		lookup = IdentityPeerLookup
	}
	vm := lookup(in.VM)
	logger = logger.Session(vm.Ref, "", string(in.DestHost))

	neededVDIs, modes := vdisToAttach(vm)
	delayDeviceCreate := false
	for _, vdi := range neededVDIs {
		if in.Storage.HasActivateCapability(vdi) {
			delayDeviceCreate = true
			break
		}
	}

	// Attach phase: if any VDI fails, send Error on barrier [1],
	// detach the already-attached subset, and fail.
	var attached []types.VdiRef
	for i, vdi := range neededVDIs {
		if err := in.Storage.Attach(vdi, modes[i]); err != nil {
			sendErr := in.Channel.SendError(err.Error())
			ledger.DetachAll(in.Storage, attached, func(v types.VdiRef, e error) {
				logger.Reason(e).Warningf("best-effort detach of %s failed after attach failure", v.Ref)
			})
			if sendErr != nil {
				return &merrors.RemoteFailed{Reason: sendErr.Error()}
			}
			return &merrors.VmMigrateFailed{VM: vm.Ref, Dst: string(in.DestHost), Reason: err.Error()}
		}
		attached = append(attached, vdi)
	}

	ledg := &types.ResourceLedger{AttachedVDIs: refsOf(attached)}

	domid, err := in.Hypervisor.CreateDomain(vm.BootRecord)
	if err != nil {
		return failBarrier1(in, vm, attached, err, logger)
	}
	ledg.CreatedDomid = domid
	ledg.DomainExists = true

	if err := in.Hypervisor.ReserveMemory(domid, in.MemoryRequiredKiB); err != nil {
		return failBarrier1AndDestroy(in, vm, domid, attached, err, logger)
	}

	if !delayDeviceCreate {
		if err := in.Hypervisor.RestoreDevices(domid, vm); err != nil {
			return failBarrier1AndDestroy(in, vm, domid, attached, err, logger)
		}
	}

	// Barrier [1].
	if err := in.Channel.SendSuccess(); err != nil {
		in.Hypervisor.DestroyDomain(domid, in.IsLocalhost, !in.IsLocalhost)
		ledger.DetachAll(in.Storage, attached, func(v types.VdiRef, e error) {
			logger.Reason(e).Warningf("best-effort detach of %s failed", v.Ref)
		})
		return &merrors.RemoteFailed{Reason: err.Error()}
	}

	if err := faults.Inject(vm, faults.DestinationBeforeMemoryRestore); err != nil {
		in.Hypervisor.DestroyDomain(domid, in.IsLocalhost, !in.IsLocalhost)
		return err
	}

	if err := in.Hypervisor.RestoreMemoryImage(domid, in.ByteStream); err != nil {
		in.Hypervisor.DestroyDomain(domid, in.IsLocalhost, !in.IsLocalhost)
		return &merrors.VmMigrateFailed{VM: vm.Ref, Dst: string(in.DestHost), Reason: err.Error()}
	}
	// Barrier [2] is implicit: RestoreMemoryImage having returned means
	// the image is fully consumed.

	// Barrier [3]: the source has flushed and deactivated its disks and
	// signalled ownership transfer; it detaches them after sending this.
	if err := in.Channel.RecvSuccess(); err != nil {
		in.Hypervisor.DestroyDomain(domid, in.IsLocalhost, !in.IsLocalhost)
		return classifyRemote(vm, string(in.DestHost), err)
	}

	// Activate phase.
	if !in.IsLocalhost {
		for _, vdi := range attached {
			if err := in.Storage.Activate(vdi); err != nil {
				return failActivatePhase(in, vm, domid, attached, err, logger)
			}
		}
	}
	if delayDeviceCreate {
		if err := in.Hypervisor.RestoreDevices(domid, vm); err != nil {
			return failActivatePhase(in, vm, domid, attached, err, logger)
		}
	}

	// Fault point 5: simulated destination crash after restore. The
	// migration continues to the adopt step, which then fails without
	// calling Unpause; the domain itself is left as restored (spec S5).
	crashedAfterRestore := faults.CrashAfterRestore(vm)

	// Adopt.
	adoptErr := adopt(in, vm, domid, crashedAfterRestore, logger)
	if adoptErr != nil {
		ledger.DetachAll(in.Storage, attached, func(v types.VdiRef, e error) {
			logger.Reason(e).Warningf("best-effort detach of %s failed during adopt rollback", v.Ref)
		})
		return adoptErr
	}

	// Barrier [4].
	if err := in.Channel.SendSuccess(); err != nil {
		ledger.DetachAll(in.Storage, attached, func(v types.VdiRef, e error) {
			logger.Reason(e).Warningf("best-effort detach of %s failed", v.Ref)
		})
		return &merrors.RemoteFailed{Reason: err.Error()}
	}

	logger.Infof("adopted vm, domid=%d, vdis attached=%d", ledg.CreatedDomid, len(ledg.AttachedVDIs))
	return nil
}

func adopt(in Input, vm types.VmRef, domid int, crashed bool, logger *log.FilteredLogger) error {
	if crashed {
		return &merrors.VmMigrateFailed{VM: vm.Ref, Dst: string(in.DestHost), Reason: "destination domain crashed after restore"}
	}
	if err := in.Hypervisor.Unpause(domid); err != nil {
		return &merrors.VmMigrateFailed{VM: vm.Ref, Dst: string(in.DestHost), Reason: err.Error()}
	}
	if err := in.Hypervisor.PlugPCI(domid, vm.PCIDevices); err != nil {
		logger.Reason(err).Warning("best-effort PCI plug failed")
	}
	if in.Adopter != nil {
		if err := in.Adopter.SetDomidAndResidentOn(vm, domid, in.DestHost); err != nil {
			return err
		}
		if err := in.Adopter.UpdateProtectedVMState(vm); err != nil {
			return err
		}
	}
	if err := in.Hypervisor.RebalanceMemory(); err != nil {
		logger.Reason(err).Warning("best-effort memory rebalance failed")
	}
	return nil
}

func deactivateActivated(in Input, vdis []types.VdiRef, logger *log.FilteredLogger) {
	if in.IsLocalhost {
		return
	}
	ledger.DeactivateAll(in.Storage, vdis, func(v types.VdiRef, e error) {
		logger.Reason(e).Warningf("best-effort deactivate of %s failed during rollback", v.Ref)
	})
}

func failBarrier1(in Input, vm types.VmRef, attached []types.VdiRef, err error, logger *log.FilteredLogger) error {
	ledger.DetachAll(in.Storage, attached, func(v types.VdiRef, e error) {
		logger.Reason(e).Warningf("best-effort detach of %s failed after barrier [1] failure", v.Ref)
	})
	sendErr := in.Channel.SendError(err.Error())
	if sendErr != nil {
		return &merrors.RemoteFailed{Reason: sendErr.Error()}
	}
	return &merrors.VmMigrateFailed{VM: vm.Ref, Dst: string(in.DestHost), Reason: err.Error()}
}

func failBarrier1AndDestroy(in Input, vm types.VmRef, domid int, attached []types.VdiRef, err error, logger *log.FilteredLogger) error {
	in.Hypervisor.DestroyDomain(domid, in.IsLocalhost, !in.IsLocalhost)
	return failBarrier1(in, vm, attached, err, logger)
}

// failActivatePhase handles any failure between barrier [3]'s
// success-receipt and adoption completion: best-effort deactivate every
// attached VDI (whether or not its Activate succeeded), destroy the
// domain, and detach every VDI as the outer
// cleanup (spec §4.3: "Activation rollback is separate; detach is the
// outer cleanup.").
func failActivatePhase(in Input, vm types.VmRef, domid int, attached []types.VdiRef, err error, logger *log.FilteredLogger) error {
	deactivateActivated(in, attached, logger)
	in.Hypervisor.DestroyDomain(domid, in.IsLocalhost, !in.IsLocalhost)
	ledger.DetachAll(in.Storage, attached, func(v types.VdiRef, e error) {
		logger.Reason(e).Warningf("best-effort detach of %s failed during activate-phase rollback", v.Ref)
	})
	return &merrors.VmMigrateFailed{VM: vm.Ref, Dst: string(in.DestHost), Reason: err.Error()}
}

func classifyRemote(vm types.VmRef, dst string, err error) error {
	return &merrors.VmMigrateFailed{VM: vm.Ref, Dst: dst, Reason: err.Error()}
}

func refsOf(vdis []types.VdiRef) []string {
	out := make([]string, len(vdis))
	for i, v := range vdis {
		out[i] = v.Ref
	}
	return out
}

func vdisToAttach(vm types.VmRef) ([]types.VdiRef, []types.VbdMode) {
	var vdis []types.VdiRef
	var modes []types.VbdMode
	for _, vbd := range vm.VBDs {
		if vbd.Empty {
			continue
		}
		vdis = append(vdis, types.VdiRef{Ref: vbd.VDI})
		modes = append(modes, vbd.Mode)
	}
	return vdis, modes
}
