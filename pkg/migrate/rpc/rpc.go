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

// Package rpc is the coordinator's transport to the destination host
// (spec §4.4 step 4): a TCP_NODELAY connection upgraded to a raw
// migration byte stream via an HTTP CONNECT handshake carrying the
// session token and task id. Authentication over the separate secure
// RPC channel is an injected capability (spec §1 OUT OF SCOPE).
package rpc

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/clustervirt/migrate/pkg/migrate/merrors"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

// Authenticator logs in over a separate secure RPC channel and returns a
// session token plus a release function. The channel's transport and
// auth mechanism are out of scope (spec §1); the coordinator only needs
// the token and a way to guarantee the session is released.
type Authenticator interface {
	Login(host types.HostRef) (sessionID string, release func(), err error)
}

// Dial opens the migration transport to dest: TCP connect, TCP_NODELAY,
// secure-channel login, then an HTTP CONNECT to migrateURI carrying the
// session and task ids. On non-200 the caller should consult the task
// record for a structured error; Dial only reports the raw status line.
func Dial(dest string, migrateURI string, vmRef string, taskID string, auth Authenticator, destHost types.HostRef) (net.Conn, string, error) {
	conn, err := net.Dial("tcp", dest)
	if err != nil {
		return nil, "", &merrors.HostOffline{Host: dest}
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	sessionID, release, err := auth.Login(destHost)
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	defer release()

	target := fmt.Sprintf("%s?ref=%s", migrateURI, url.QueryEscape(vmRef))
	req, err := http.NewRequest(http.MethodConnect, target, nil)
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	req.AddCookie(&http.Cookie{Name: "session_id", Value: sessionID})
	req.AddCookie(&http.Cookie{Name: "task_id", Value: taskID})
	req.Host = dest

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, "", &merrors.RemoteFailed{Reason: err.Error()}
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, "", &merrors.RemoteFailed{Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, "", &merrors.VmMigrateFailed{
			VM: vmRef, Dst: string(destHost),
			Reason: fmt.Sprintf("CONNECT to %s returned %s", migrateURI, resp.Status),
		}
	}

	return conn, sessionID, nil
}
