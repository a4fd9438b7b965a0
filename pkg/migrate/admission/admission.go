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

// Package admission implements the destination-side HTTP CONNECT
// handler (spec §4.5): it rejects a migration request that lacks the
// session_id/task_id cookies or the ref parameter (the session token
// itself is not validated here), remaps and locks the destination VM, sizes the receiving domain's
// memory, upgrades the connection, and hands off into the receiver.
package admission

import (
	"net/http"

	"github.com/emicklei/go-restful/v3"

	"github.com/clustervirt/migrate/pkg/log"
	"github.com/clustervirt/migrate/pkg/migrate/clusterdb"
	"github.com/clustervirt/migrate/pkg/migrate/handshake"
	"github.com/clustervirt/migrate/pkg/migrate/hypervisor"
	"github.com/clustervirt/migrate/pkg/migrate/merrors"
	"github.com/clustervirt/migrate/pkg/migrate/receiver"
	"github.com/clustervirt/migrate/pkg/migrate/storage"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

// MemoryEstimator sizes the memory the receiving domain must reserve
// before device restore (spec §4.5 step 5). Its arithmetic is out of
// scope (spec §1); the handler only calls it and threads the result
// through to the receiver.
type MemoryEstimator func(vm types.VmRef) (kib uint64, err error)

// Handler wires the injected capabilities the admission endpoint needs.
type Handler struct {
	SelfHost   types.HostRef
	DB         clusterdb.DB
	Hypervisor hypervisor.Hypervisor
	Storage    storage.Storage
	Adopter    receiver.Adopter
	PeerLookup receiver.PeerLookup
	Estimator  MemoryEstimator
	Log        *log.FilteredLogger
}

// Register mounts the migrate-receive route onto ws. The wire protocol
// (spec §4.4/§6) initiates with an HTTP CONNECT, so this uses
// WebService.Method instead of one of the verb-specific helpers
// (GET/PUT/...), which don't cover CONNECT.
func (h *Handler) Register(ws *restful.WebService) {
	ws.Route(ws.Method(http.MethodConnect).Path("/migrate/receive").To(h.Receive))
}

// Receive is the RouteFunction for the receiver admission endpoint.
func (h *Handler) Receive(req *restful.Request, resp *restful.Response) {
	logger := h.Log
	if logger == nil {
		logger = log.Log
	}

	sessionID := cookieValue(req.Request, "session_id")
	taskID := cookieValue(req.Request, "task_id")
	ref := req.QueryParameter("ref")
	if sessionID == "" || taskID == "" || ref == "" {
		resp.WriteHeader(http.StatusForbidden)
		return
	}

	vm, err := h.DB.GetVM(ref)
	if err != nil {
		writeInternalError(resp, err)
		return
	}

	lookup := h.PeerLookup
	if lookup == nil {
		lookup = receiver.IdentityPeerLookup
	}
	destVM := lookup(vm)
	isLocalhostMigration := destVM.ResidentOn == h.SelfHost

	var lock clusterdb.Lock
	if !(isLocalhostMigration && destVM.Ref == vm.Ref) {
		lock, err = h.DB.LockVM(destVM)
		if err != nil {
			writeInternalError(resp, err)
			return
		}
		defer lock.Unlock()
	}

	memKiB, err := h.Estimator(destVM)
	if err != nil {
		writeInternalError(resp, err)
		return
	}

	hijacker, ok := resp.ResponseWriter.(http.Hijacker)
	if !ok {
		writeInternalError(resp, &merrors.InternalError{Msg: "response writer does not support hijacking"})
		return
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		logger.Reason(err).Error("failed to hijack connection for migration receive")
		return
	}
	defer conn.Close()
	if _, err := rw.WriteString("HTTP/1.1 200 OK\r\n\r\n"); err != nil || rw.Flush() != nil {
		logger.Reason(err).Error("failed to write CONNECT upgrade response")
		return
	}

	runErr := receiver.Run(receiver.Input{
		VM:                vm,
		IsLocalhost:       isLocalhostMigration,
		DestHost:          h.SelfHost,
		ByteStream:        conn,
		Channel:           handshake.New(conn),
		Hypervisor:        h.Hypervisor,
		Storage:           h.Storage,
		Adopter:           h.Adopter,
		PeerLookup:        h.PeerLookup,
		MemoryRequiredKiB: memKiB,
		Log:               logger,
	})
	if runErr != nil {
		logger.Reason(runErr).Errorf("migration receive for %s failed", vm.Ref)
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func writeInternalError(resp *restful.Response, err error) {
	if _, ok := err.(*merrors.InternalError); ok {
		resp.WriteError(http.StatusInternalServerError, err)
		return
	}
	resp.WriteError(http.StatusInternalServerError, &merrors.InternalError{Msg: err.Error()})
}
