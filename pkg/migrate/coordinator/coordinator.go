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

// Package coordinator implements pool_migrate (spec §4.4): the
// top-level entry point that selects the trivial vs live migration
// path, gates on paused VBDs, opens the transport, and dispatches
// terminal status to the task/event system.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clustervirt/migrate/pkg/log"
	"github.com/clustervirt/migrate/pkg/migrate/abort"
	"github.com/clustervirt/migrate/pkg/migrate/clusterdb"
	"github.com/clustervirt/migrate/pkg/migrate/events"
	"github.com/clustervirt/migrate/pkg/migrate/handshake"
	"github.com/clustervirt/migrate/pkg/migrate/hypervisor"
	"github.com/clustervirt/migrate/pkg/migrate/merrors"
	"github.com/clustervirt/migrate/pkg/migrate/metrics"
	"github.com/clustervirt/migrate/pkg/migrate/rpc"
	"github.com/clustervirt/migrate/pkg/migrate/storage"
	"github.com/clustervirt/migrate/pkg/migrate/transmitter"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

const (
	pausedVBDPollInterval = 5 * time.Second
	pausedVBDMaxPolls     = 5
)

// Hook is a pre-migrate hook call site (spec §4.4 "drives pre-migrate
// hooks"). Hook content lives outside the core (spec §1); only the
// invocation order relative to transport setup is core.
type Hook func(ctx context.Context, vm types.VmRef) error

// Options mirrors the caller-supplied migrate options; only `live` is
// interpreted by the core (spec §4.4 step 4).
type Options struct {
	Live bool
}

// Coordinator wires every injected capability the top-level entry point
// needs. Construct one per host process.
type Coordinator struct {
	SelfHost    types.HostRef
	DB          clusterdb.DB
	Hypervisor  hypervisor.Hypervisor
	Storage     storage.Storage
	Auth        rpc.Authenticator
	Pusher      metrics.Pusher
	Events      events.Sink
	Abort       abort.Signal
	SuspendAck  transmitter.SuspendAckWaiter
	Hooks       []Hook

	// DialAddress resolves a host reference to a dialable "host:port" for
	// the migration transport. Host-to-address resolution is out of scope
	// (spec §1); the coordinator only needs the resulting string.
	DialAddress func(dest types.HostRef) string
	// MigrateURI returns the destination's admission endpoint path,
	// defaulting to "/migrate/receive" (spec §4.5) when nil.
	MigrateURI func(dest types.HostRef) string

	// PausedVBDPollInterval and PausedVBDMaxPolls tune the no-paused-VBDs
	// admission gate (spec §8 S6: "≈ 25 s" at the defaults below). Zero
	// values fall back to the production defaults.
	PausedVBDPollInterval time.Duration
	PausedVBDMaxPolls     int

	Log *log.FilteredLogger
}

// Migrate is the spec's cross-pool migrate (§4.6): unconditionally
// unsupported. Unlike PoolMigrate, it takes no cluster lock and touches
// no guest state — the rejection is unconditional, not a precondition
// check.
func (c *Coordinator) Migrate(ctx context.Context, vm types.VmRef, destPool string, opts Options) error {
	return &merrors.NotImplemented{Op: "VM.migrate"}
}

// PoolMigrate is the spec's pool_migrate(vm, destination_host, options).
func (c *Coordinator) PoolMigrate(ctx context.Context, vm types.VmRef, dest types.HostRef, opts Options) error {
	logger := c.Log
	if logger == nil {
		logger = log.Log
	}
	logger = logger.Session(vm.Ref, string(vm.ResidentOn), string(dest))

	lock, err := c.DB.LockVM(vm)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	disabled, err := c.DB.HostDisabled(dest)
	if err != nil {
		return err
	}
	if disabled {
		return &merrors.HostDisabled{VM: vm.Ref}
	}

	if srcFlags, err := c.DB.HostCPUFlags(vm.ResidentOn); err == nil {
		if dstFlags, err := c.DB.HostCPUFlags(dest); err == nil && srcFlags != dstFlags {
			logger.Warningf("CPU flags differ between %s and %s; migration may fail on incompatible instructions", vm.ResidentOn, dest)
		}
	}

	switch vm.PowerState {
	case types.Halted, types.Suspended:
		return c.DB.SetAffinity(vm, dest)
	case types.Running:
		// falls through to the live path below.
	default:
		return &merrors.InternalError{Msg: fmt.Sprintf("unexpected power state %q reaching pool_migrate", vm.PowerState)}
	}

	taskID := uuid.NewString()
	c.Events.Pending(taskID)

	if c.Abort != nil && c.Abort.Requested() {
		c.Events.Cancelled(taskID, "abort requested before migration started")
		return &merrors.TaskCancelled{Reason: "abort requested before migration started"}
	}

	if err := c.gateOnPausedVBDs(vm); err != nil {
		c.Events.Failure(taskID, err)
		return err
	}

	for _, hook := range c.Hooks {
		if err := hook(ctx, vm); err != nil {
			c.Events.Failure(taskID, err)
			return err
		}
	}

	err = c.runLive(ctx, vm, dest, opts, taskID, logger)
	switch err.(type) {
	case nil:
		c.Events.Success(taskID)
	case *merrors.TaskCancelled:
		c.Events.Cancelled(taskID, err.Error())
	default:
		c.Events.Failure(taskID, err)
	}
	return err
}

func (c *Coordinator) gateOnPausedVBDs(vm types.VmRef) error {
	interval := c.PausedVBDPollInterval
	if interval <= 0 {
		interval = pausedVBDPollInterval
	}
	maxPolls := c.PausedVBDMaxPolls
	if maxPolls <= 0 {
		maxPolls = pausedVBDMaxPolls
	}

	for _, vbd := range vm.VBDs {
		if !vbd.CurrentlyAttached || vbd.Empty {
			continue
		}
		var lastPaused types.VbdRef
		stillPaused := false
		for attempt := 0; attempt < maxPolls; attempt++ {
			paused, err := c.Hypervisor.VBDPaused(vbd)
			if err != nil {
				return err
			}
			if !paused {
				stillPaused = false
				break
			}
			stillPaused = true
			lastPaused = vbd
			time.Sleep(interval)
		}
		if stillPaused {
			return &merrors.OtherOperationInProgress{Kind: "VBD", Ref: lastPaused.Ref}
		}
	}
	return nil
}

func (c *Coordinator) runLive(ctx context.Context, vm types.VmRef, dest types.HostRef, opts Options, taskID string, logger *log.FilteredLogger) error {
	dialAddr := string(dest)
	if c.DialAddress != nil {
		dialAddr = c.DialAddress(dest)
	}
	migrateURI := "/migrate/receive"
	if c.MigrateURI != nil {
		migrateURI = c.MigrateURI(dest)
	}

	conn, _, err := rpc.Dial(dialAddr, migrateURI, vm.Ref, taskID, c.Auth, dest)
	if err != nil {
		return err
	}
	defer conn.Close()

	isLocalhost := vm.ResidentOn == dest

	forcedHalt, err := transmitter.Run(transmitter.Input{
		VM:          vm,
		IsLocalhost: isLocalhost,
		IsLive:      opts.Live,
		DestHost:    dest,
		ByteStream:  conn,
		Channel:     handshake.New(conn),
		Hypervisor:  c.Hypervisor,
		Storage:     c.Storage,
		SuspendAck:  c.SuspendAck,
		Pusher:      c.Pusher,
		Abort:       c.Abort,
		ProgressFunc: func(f float64) {
			c.Events.Progress(taskID, f)
		},
		Log: logger,
	})
	if err != nil {
		if forcedHalt {
			if serr := c.DB.SetPowerState(vm, types.Halted); serr != nil {
				logger.Reason(serr).Error("failed to force VM record to Halted after post-barrier-3 failure")
			}
		}
		return err
	}

	c.Events.Progress(taskID, 1.0)
	return nil
}
