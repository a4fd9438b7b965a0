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

// Package scenario exercises the transmitter, receiver and coordinator
// together against the testable properties named in spec §8 (S1-S6),
// using hand-written fakes for every injected capability in place of
// real libvirt/Xen and the cluster database.
package scenario_test

import (
	"io"
	"sync"
	"time"

	"github.com/clustervirt/migrate/pkg/migrate/abort"
	"github.com/clustervirt/migrate/pkg/migrate/clusterdb"
	"github.com/clustervirt/migrate/pkg/migrate/hypervisor"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

type fakeHypervisor struct {
	mu sync.Mutex

	domid          int
	isHVM          bool
	resolveErr     error
	suspendErr     error
	shutdownReason hypervisor.ShutdownReason
	memoryImage    []byte
	expectImageLen int

	createErr          error
	reserveErr          error
	restoreDevicesErr   error
	restoreImageErr     error
	unpauseErr          error
	destroyErr          error

	vbdPausedSequence []bool
	vbdPollCount      int

	hardShutdownVBDs []string
	destroyed        []int
	restoredImage    []byte
	createCalls      int
}

func (f *fakeHypervisor) ResolveDomain(types.VmRef) (int, bool, error) {
	return f.domid, f.isHVM, f.resolveErr
}

func (f *fakeHypervisor) Suspend(domid int, w io.Writer, live bool, progress hypervisor.ProgressFunc, preShutdown hypervisor.PreShutdownFunc) error {
	if f.suspendErr != nil {
		return f.suspendErr
	}
	if progress != nil {
		progress(0.5)
		progress(0.99)
	}
	if preShutdown != nil {
		if err := preShutdown(); err != nil {
			return err
		}
	}
	if len(f.memoryImage) > 0 {
		if _, err := w.Write(f.memoryImage); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeHypervisor) LastShutdownReason(int) (hypervisor.ShutdownReason, error) {
	reason := f.shutdownReason
	if reason == "" {
		reason = hypervisor.ShutdownSuspend
	}
	return reason, nil
}

func (f *fakeHypervisor) HardShutdownVBD(vbd types.VbdRef, extraDebugPaths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hardShutdownVBDs = append(f.hardShutdownVBDs, vbd.Ref)
	return nil
}

func (f *fakeHypervisor) CreateDomain(bootRecord string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return 0, f.createErr
	}
	return f.domid, nil
}

func (f *fakeHypervisor) ReserveMemory(int, uint64) error { return f.reserveErr }

func (f *fakeHypervisor) RestoreDevices(int, types.VmRef) error { return f.restoreDevicesErr }

// RestoreMemoryImage reads exactly expectImageLen bytes, mirroring a
// real migration stream's self-delimiting framing: it never reads to
// EOF, since the byte stream is shared with the handshake channel and
// closing it would break the remaining barriers.
func (f *fakeHypervisor) RestoreMemoryImage(domid int, r io.Reader) error {
	if f.restoreImageErr != nil {
		return f.restoreImageErr
	}
	buf := make([]byte, f.expectImageLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	f.mu.Lock()
	f.restoredImage = buf
	f.mu.Unlock()
	return nil
}

func (f *fakeHypervisor) Unpause(int) error { return f.unpauseErr }

func (f *fakeHypervisor) DestroyDomain(domid int, preserveXenstore, detachDevices bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, domid)
	return f.destroyErr
}

func (f *fakeHypervisor) UnplugPCI(int, []string) error         { return nil }
func (f *fakeHypervisor) WaitPCIUnplugComplete(int) error       { return nil }
func (f *fakeHypervisor) PlugPCI(int, []string) error           { return nil }
func (f *fakeHypervisor) RebalanceMemory() error                { return nil }

func (f *fakeHypervisor) VBDPaused(types.VbdRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vbdPollCount < len(f.vbdPausedSequence) {
		v := f.vbdPausedSequence[f.vbdPollCount]
		f.vbdPollCount++
		return v, nil
	}
	f.vbdPollCount++
	return false, nil
}

type fakeStorage struct {
	mu sync.Mutex

	attachFail   map[string]bool
	activateFail map[string]bool

	attached    []string
	detached    []string
	activated   []string
	deactivated []string
}

func (f *fakeStorage) Attach(vdi types.VdiRef, mode types.VbdMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachFail != nil && f.attachFail[vdi.Ref] {
		return &attachError{ref: vdi.Ref}
	}
	f.attached = append(f.attached, vdi.Ref)
	return nil
}

func (f *fakeStorage) Detach(vdi types.VdiRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, vdi.Ref)
	return nil
}

func (f *fakeStorage) Activate(vdi types.VdiRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateFail != nil && f.activateFail[vdi.Ref] {
		return &activateError{ref: vdi.Ref}
	}
	f.activated = append(f.activated, vdi.Ref)
	return nil
}

func (f *fakeStorage) Deactivate(vdi types.VdiRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, vdi.Ref)
	return nil
}

func (f *fakeStorage) HasActivateCapability(types.VdiRef) bool { return false }

type attachError struct{ ref string }

func (e *attachError) Error() string { return "attach of " + e.ref + " failed: no such SR" }

type activateError struct{ ref string }

func (e *activateError) Error() string { return "activate of " + e.ref + " failed: SR locked" }

type fakeSuspendAck struct {
	acked   bool
	waitErr error
}

func (f *fakeSuspendAck) NotifyEnteringSuspend(types.VmRef) error { return nil }

func (f *fakeSuspendAck) WaitAck(timeout time.Duration, signal abort.Signal) (bool, error) {
	if f.waitErr != nil {
		return false, f.waitErr
	}
	return f.acked, nil
}

type fakeAdopter struct {
	mu sync.Mutex

	domid       int
	residentOn  types.HostRef
	updateCalls int
}

func (f *fakeAdopter) SetDomidAndResidentOn(vm types.VmRef, domid int, host types.HostRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domid = domid
	f.residentOn = host
	return nil
}

func (f *fakeAdopter) UpdateProtectedVMState(types.VmRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	return nil
}

type fakeDB struct {
	mu sync.Mutex

	vms      map[string]types.VmRef
	disabled map[types.HostRef]bool
	locked   map[string]bool
}

func newFakeDB(vm types.VmRef) *fakeDB {
	return &fakeDB{
		vms:      map[string]types.VmRef{vm.Ref: vm},
		disabled: map[types.HostRef]bool{},
		locked:   map[string]bool{},
	}
}

func (d *fakeDB) LockVM(vm types.VmRef) (clusterdb.Lock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked[vm.Ref] = true
	return &fakeLock{db: d, ref: vm.Ref}, nil
}

type fakeLock struct {
	db  *fakeDB
	ref string
}

func (l *fakeLock) Unlock() {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	delete(l.db.locked, l.ref)
}

func (d *fakeDB) GetVM(ref string) (types.VmRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vms[ref], nil
}

func (d *fakeDB) SetAffinity(vm types.VmRef, host types.HostRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.vms[vm.Ref]
	v.ResidentOn = host
	d.vms[vm.Ref] = v
	return nil
}

func (d *fakeDB) SetResidentOn(vm types.VmRef, host types.HostRef, domid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.vms[vm.Ref]
	v.ResidentOn = host
	v.Domid = domid
	d.vms[vm.Ref] = v
	return nil
}

func (d *fakeDB) SetPowerState(vm types.VmRef, state types.PowerState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.vms[vm.Ref]
	v.PowerState = state
	d.vms[vm.Ref] = v
	return nil
}

func (d *fakeDB) powerState(ref string) types.PowerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vms[ref].PowerState
}

func (d *fakeDB) HostDisabled(host types.HostRef) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disabled[host], nil
}

func (d *fakeDB) HostCPUFlags(types.HostRef) (string, error) { return "", nil }
