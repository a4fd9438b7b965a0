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

package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/clustervirt/migrate/pkg/migrate/clusterdb"
	"github.com/clustervirt/migrate/pkg/migrate/hypervisor"
	"github.com/clustervirt/migrate/pkg/migrate/merrors"
	"github.com/clustervirt/migrate/pkg/migrate/receiver"
	"github.com/clustervirt/migrate/pkg/migrate/storage"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

// capabilities bundles the process-wide injected-capability
// implementations this binary wires into the admission handler. The real
// libvirt/Xen control plane and the cluster object database are out of
// scope (spec §1); this wiring exists so migrated can run standalone
// against the in-memory reference backend below, the same role
// fake-cmd-server plays for virt-handler's command surface.
type capabilities struct {
	db         clusterdb.DB
	hypervisor hypervisor.Hypervisor
	storage    storage.Storage
	adopter    receiver.Adopter
	estimator  func(types.VmRef) (uint64, error)
}

func wireCapabilities(selfHost string) (*capabilities, error) {
	db := newMemDB(selfHost)
	return &capabilities{
		db:         db,
		hypervisor: &unimplementedHypervisor{},
		storage:    &unimplementedStorage{},
		adopter:    db,
		estimator: func(vm types.VmRef) (uint64, error) {
			return 1 << 20, nil // 1 GiB default; a real estimator reads the VM's memory_static_max
		},
	}, nil
}

// memDB is a process-local clusterdb.DB backed by a map, suitable for a
// single-process demonstration deployment. A production build replaces
// this with a client to the real cluster database.
type memDB struct {
	self types.HostRef

	mu   sync.Mutex
	vms  map[string]types.VmRef
	lock map[string]struct{}
}

func newMemDB(selfHost string) *memDB {
	return &memDB{
		self: types.HostRef(selfHost),
		vms:  make(map[string]types.VmRef),
		lock: make(map[string]struct{}),
	}
}

func (d *memDB) LockVM(vm types.VmRef) (clusterdb.Lock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.lock[vm.Ref]; held {
		return nil, &merrors.OtherOperationInProgress{Kind: "VM", Ref: vm.Ref}
	}
	d.lock[vm.Ref] = struct{}{}
	return &memLock{db: d, ref: vm.Ref}, nil
}

type memLock struct {
	db  *memDB
	ref string
}

func (l *memLock) Unlock() {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	delete(l.db.lock, l.ref)
}

func (d *memDB) GetVM(ref string) (types.VmRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vm, ok := d.vms[ref]
	if !ok {
		return types.VmRef{}, &merrors.InternalError{Msg: fmt.Sprintf("no such VM %q in reference database", ref)}
	}
	return vm, nil
}

func (d *memDB) SetAffinity(vm types.VmRef, host types.HostRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.vms[vm.Ref]
	v.ResidentOn = host
	d.vms[vm.Ref] = v
	return nil
}

func (d *memDB) SetResidentOn(vm types.VmRef, host types.HostRef, domid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.vms[vm.Ref]
	v.ResidentOn = host
	v.Domid = domid
	d.vms[vm.Ref] = v
	return nil
}

func (d *memDB) SetPowerState(vm types.VmRef, state types.PowerState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.vms[vm.Ref]
	v.PowerState = state
	d.vms[vm.Ref] = v
	return nil
}

func (d *memDB) HostDisabled(host types.HostRef) (bool, error) { return false, nil }

func (d *memDB) HostCPUFlags(host types.HostRef) (string, error) { return "", nil }

// Adopter methods, satisfied by the same in-memory store.
func (d *memDB) SetDomidAndResidentOn(vm types.VmRef, domid int, host types.HostRef) error {
	return d.SetResidentOn(vm, host, domid)
}

func (d *memDB) UpdateProtectedVMState(vm types.VmRef) error { return nil }

// unimplementedHypervisor satisfies hypervisor.Hypervisor with
// merrors.NotImplemented on every call. It exists so migrated links and
// serves /metrics and rejects migration attempts cleanly rather than
// panicking when no real libvirt/Xen backend has been wired in.
type unimplementedHypervisor struct{}

func (unimplementedHypervisor) ResolveDomain(types.VmRef) (int, bool, error) {
	return 0, false, notImplemented("Hypervisor.ResolveDomain")
}
func (unimplementedHypervisor) Suspend(int, io.Writer, bool, hypervisor.ProgressFunc, hypervisor.PreShutdownFunc) error {
	return notImplemented("Hypervisor.Suspend")
}
func (unimplementedHypervisor) LastShutdownReason(int) (hypervisor.ShutdownReason, error) {
	return "", notImplemented("Hypervisor.LastShutdownReason")
}
func (unimplementedHypervisor) HardShutdownVBD(types.VbdRef, []string) error {
	return notImplemented("Hypervisor.HardShutdownVBD")
}
func (unimplementedHypervisor) CreateDomain(string) (int, error) {
	return 0, notImplemented("Hypervisor.CreateDomain")
}
func (unimplementedHypervisor) ReserveMemory(int, uint64) error {
	return notImplemented("Hypervisor.ReserveMemory")
}
func (unimplementedHypervisor) RestoreDevices(int, types.VmRef) error {
	return notImplemented("Hypervisor.RestoreDevices")
}
func (unimplementedHypervisor) RestoreMemoryImage(int, io.Reader) error {
	return notImplemented("Hypervisor.RestoreMemoryImage")
}
func (unimplementedHypervisor) Unpause(int) error { return notImplemented("Hypervisor.Unpause") }
func (unimplementedHypervisor) DestroyDomain(int, bool, bool) error {
	return notImplemented("Hypervisor.DestroyDomain")
}
func (unimplementedHypervisor) UnplugPCI(int, []string) error {
	return notImplemented("Hypervisor.UnplugPCI")
}
func (unimplementedHypervisor) WaitPCIUnplugComplete(int) error {
	return notImplemented("Hypervisor.WaitPCIUnplugComplete")
}
func (unimplementedHypervisor) PlugPCI(int, []string) error {
	return notImplemented("Hypervisor.PlugPCI")
}
func (unimplementedHypervisor) RebalanceMemory() error {
	return notImplemented("Hypervisor.RebalanceMemory")
}
func (unimplementedHypervisor) VBDPaused(types.VbdRef) (bool, error) {
	return false, notImplemented("Hypervisor.VBDPaused")
}

type unimplementedStorage struct{}

func (unimplementedStorage) Attach(types.VdiRef, types.VbdMode) error {
	return notImplemented("Storage.Attach")
}
func (unimplementedStorage) Detach(types.VdiRef) error { return notImplemented("Storage.Detach") }
func (unimplementedStorage) Activate(types.VdiRef) error {
	return notImplemented("Storage.Activate")
}
func (unimplementedStorage) Deactivate(types.VdiRef) error {
	return notImplemented("Storage.Deactivate")
}
func (unimplementedStorage) HasActivateCapability(types.VdiRef) bool { return false }

func notImplemented(op string) error { return &merrors.NotImplemented{Op: op} }
