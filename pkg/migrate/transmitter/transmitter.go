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

// Package transmitter implements the source-side half of the migration
// state machine (spec §4.2): pre-checks, the memory-image stream, disk
// flush/deactivate/detach, the RRD push, and local teardown — all
// choreographed around the four rendezvous barriers with the receiver.
package transmitter

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/clustervirt/migrate/pkg/log"
	"github.com/clustervirt/migrate/pkg/migrate/abort"
	"github.com/clustervirt/migrate/pkg/migrate/faults"
	"github.com/clustervirt/migrate/pkg/migrate/handshake"
	"github.com/clustervirt/migrate/pkg/migrate/hypervisor"
	"github.com/clustervirt/migrate/pkg/migrate/ledger"
	"github.com/clustervirt/migrate/pkg/migrate/merrors"
	"github.com/clustervirt/migrate/pkg/migrate/metrics"
	"github.com/clustervirt/migrate/pkg/migrate/storage"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

// SuspendAckWaiter notifies an external liaison that the guest is
// entering full suspend and blocks for one of {ACKED, timeout,
// external-abort} (spec §4.2 "Suspend-ack protocol"). The abort package
// provides the production implementation; tests inject a fake.
type SuspendAckWaiter interface {
	NotifyEnteringSuspend(vm types.VmRef) error
	WaitAck(timeout time.Duration, abortSignal abort.Signal) (acked bool, err error)
}

// Input bundles everything the transmitter needs, mirroring spec §4.2's
// "Inputs" list.
type Input struct {
	VM           types.VmRef
	IsLocalhost  bool
	IsLive       bool
	DestHost     types.HostRef
	ByteStream   io.Writer // receives the memory image directly; framing is separate
	Channel      *handshake.Channel
	Hypervisor   hypervisor.Hypervisor
	Storage      storage.Storage
	SuspendAck   SuspendAckWaiter
	Pusher       metrics.Pusher
	Abort        abort.Signal
	ProgressFunc func(float64) // external progress sink (spec §4.2: scaled 0.95x)

	Log *log.FilteredLogger
}

// Run executes the full transmitter choreography. On success, ownership
// of the guest has transferred to the destination (spec §3 Ownership).
// On failure, the VM record is left Running on the source unless the
// failure happened past barrier [3], in which case the caller must force
// it to Halted — Run reports which case applies via forcedHalt.
func Run(in Input) (forcedHalt bool, err error) {
	logger := in.Log
	if logger == nil {
		logger = log.Log
	}
	logger = logger.Session(in.VM.Ref, "", string(in.DestHost))

	domid, isHVM, err := in.Hypervisor.ResolveDomain(in.VM)
	if err != nil {
		return false, err
	}
	_ = isHVM // carried for the suspend payload format; no branch needed here

	vbds, vdis := attachedRWDisks(in.VM)
	extraPaths := extraDebugPaths(in.VM)

	if err := faults.Inject(in.VM, faults.SourceBeforeSuspend); err != nil {
		return false, err
	}

	// Barrier [1]: the receiver has reserved memory, created the
	// proto-domain, attached disks, and (unless delayed for an
	// activate-capable SR) restored devices.
	if err := in.Channel.RecvSuccess(); err != nil {
		return false, classifyRemote(in.VM, string(in.DestHost), err)
	}

	ledg := types.NewSourceLedger(in.IsLocalhost)
	guard := &ledger.Guard{}
	pastBarrier3 := false

	guard.Defer("destroy local domain", func() error {
		return in.Hypervisor.DestroyDomain(domid, in.IsLocalhost, !in.IsLocalhost)
	})
	guard.Defer("release ledger", func() error {
		if ledg.DeactivateInFinally {
			ledger.DeactivateAll(in.Storage, vdis, func(v types.VdiRef, e error) {
				logger.Reason(e).Warningf("best-effort deactivate of %s failed during release", v.Ref)
			})
		}
		if ledg.DetachInFinally {
			ledger.DetachAll(in.Storage, vdis, func(v types.VdiRef, e error) {
				logger.Reason(e).Warningf("best-effort detach of %s failed during release", v.Ref)
			})
		}
		return nil
	})
	defer func() {
		guard.Release(func(step string, e error) {
			logger.Reason(e).Warningf("release step %q failed", step)
		})
	}()

	pciUnplugTime := pciHotUnplugTime(in.VM)
	pciUnplugStarted := false

	progressCB := func(x float64) {
		if in.ProgressFunc != nil {
			in.ProgressFunc(0.95 * x)
		}
		if !pciUnplugStarted && x > pciUnplugTime && len(in.VM.PCIDevices) > 0 {
			pciUnplugStarted = true
			if err := in.Hypervisor.UnplugPCI(domid, pciDevicesToUnplug(in.VM)); err != nil {
				logger.Reason(err).Warning("best-effort PCI hot-unplug failed")
			}
		}
	}

	preShutdown := func() error {
		if !pciUnplugStarted {
			pciUnplugStarted = true
			if err := in.Hypervisor.UnplugPCI(domid, pciDevicesToUnplug(in.VM)); err != nil {
				logger.Reason(err).Warning("best-effort PCI hot-unplug failed")
			}
		}
		if err := in.Hypervisor.WaitPCIUnplugComplete(domid); err != nil {
			logger.Reason(err).Warning("PCI unplug wait failed, continuing")
		}
		return suspendAck(in, logger)
	}

	// Fault point 2 (crash during suspend) is not injected here: it
	// changes what LastShutdownReason reports below, via the test's
	// hypervisor fake, rather than failing Suspend itself.
	if err := in.Hypervisor.Suspend(domid, in.ByteStream, in.IsLive, progressCB, preShutdown); err != nil {
		return false, err
	}

	// Barrier [2] is implicit: Suspend having returned means the memory
	// image is fully written and the guest shut down for reason Suspend.
	reason, rerr := in.Hypervisor.LastShutdownReason(domid)
	if rerr == nil && reason != hypervisor.ShutdownSuspend {
		if reason == hypervisor.ShutdownCrashed {
			logger.Warningf("domain crashed while suspending; recovery is left to actions_after_crash=%q", in.VM.ActionsAfterCrash)
			return false, &merrors.VmMigrateFailed{
				VM: in.VM.Ref, Src: string(in.VM.ResidentOn), Dst: string(in.DestHost),
				Reason: "Domain crashed while suspending",
			}
		}
		return false, &merrors.DomainShutdownForWrongReason{Reason: string(reason)}
	}

	if err := faults.Inject(in.VM, faults.SourceAfterSuspendBeforeFlush); err != nil {
		return false, err
	}

	for _, vbd := range vbds {
		if err := in.Hypervisor.HardShutdownVBD(vbd, extraPaths); err != nil {
			logger.Reason(err).Warningf("hard shutdown of vbd %s failed", vbd.Ref)
		}
	}

	ledg.DeactivateInFinally = false
	if !in.IsLocalhost {
		ledger.DeactivateAll(in.Storage, vdis, func(v types.VdiRef, e error) {
			logger.Reason(e).Warningf("deactivate of %s failed", v.Ref)
		})
	}

	// Barrier [3]: ownership of guest identity transfers to the
	// destination the instant this Success frame is written.
	if err := in.Channel.SendSuccess(); err != nil {
		return false, &merrors.RemoteFailed{Reason: err.Error()}
	}
	pastBarrier3 = true

	ledger.DetachAll(in.Storage, vdis, func(v types.VdiRef, e error) {
		logger.Reason(e).Warningf("best-effort detach of %s failed", v.Ref)
	})
	ledg.DetachInFinally = false

	metrics.PushBestEffort(context.Background(), in.Pusher, string(in.DestHost), nil, func(e error) {
		logger.Reason(e).Warning("RRD telemetry push failed")
	})

	// Barrier [4]: guaranteed release path. The destination has adopted
	// the VM record (resident_on, domid) by the time this returns.
	if err := in.Channel.RecvSuccess(); err != nil {
		return pastBarrier3, classifyRemote(in.VM, string(in.DestHost), err)
	}

	return false, nil
}

func suspendAck(in Input, logger *log.FilteredLogger) error {
	if in.SuspendAck == nil {
		return nil
	}
	if err := in.SuspendAck.NotifyEnteringSuspend(in.VM); err != nil {
		return err
	}
	acked, err := in.SuspendAck.WaitAck(types.SuspendAckTimeoutSeconds*time.Second, in.Abort)
	if err != nil {
		return err
	}
	if !acked {
		if in.Abort != nil && in.Abort.Requested() {
			return &merrors.VmMigrateFailed{VM: in.VM.Ref, Reason: "external abort requested during suspend-ack wait"}
		}
		return &merrors.VmMigrateFailed{VM: in.VM.Ref, Reason: "suspend-ack not received within 60s"}
	}
	return nil
}

func classifyRemote(vm types.VmRef, dst string, err error) error {
	if err == nil {
		return nil
	}
	return &merrors.VmMigrateFailed{VM: vm.Ref, Src: string(vm.ResidentOn), Dst: dst, Reason: err.Error()}
}

func attachedRWDisks(vm types.VmRef) ([]types.VbdRef, []types.VdiRef) {
	var vbds []types.VbdRef
	var vdis []types.VdiRef
	for _, vbd := range vm.VBDs {
		if !vbd.CurrentlyAttached || vbd.Empty || vbd.Mode != types.ModeRW {
			continue
		}
		vbds = append(vbds, vbd)
		vdis = append(vdis, types.VdiRef{Ref: vbd.VDI})
	}
	return vbds, vdis
}

func extraDebugPaths(vm types.VmRef) []string {
	raw, ok := vm.OtherConfigString(types.OtherConfigExtraPathsKey)
	if !ok || raw == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func pciHotUnplugTime(vm types.VmRef) float64 {
	raw, ok := vm.OtherConfigString(types.OtherConfigPCIUnplugTimeKey)
	if !ok {
		return types.PCIHotUnplugTimeDefault
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || f > 1 {
		return types.PCIHotUnplugTimeDefault
	}
	return f
}

// pciDevicesToUnplug enforces the single-device limitation named in
// spec §9: the protocol supports exactly one PCI passthrough device, so
// additional devices are warned about and silently truncated rather
// than generalized.
func pciDevicesToUnplug(vm types.VmRef) []string {
	devices := vm.PCIDevices
	if len(devices) > 1 {
		log.Log.Warningf("VM %s requests PCI hot-unplug of %d devices; only the first is supported", vm.Ref, len(devices))
		devices = devices[:1]
	}
	return devices
}
