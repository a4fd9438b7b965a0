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

package abort

import (
	"time"

	"github.com/clustervirt/migrate/pkg/migrate/types"
)

// Notifier is the external party the suspend-ack liaison talks to: it
// pushes "entering suspend" and later receives an "acked" confirmation.
// Its transport (RPC, HTTP callback) is out of scope (spec §1); only the
// call site and the bounded wait belong to the core.
type Notifier interface {
	NotifyEnteringSuspend(vm types.VmRef) error
	// Acks returns a channel that receives once per VM ack. The liaison
	// owns draining it; a production Notifier should be a fan-out that
	// only ever sends the one ack this migration is waiting for.
	Acks() <-chan string
}

// Liaison implements the transmitter's SuspendAckWaiter using a plain
// channel select across ack/timeout/abort, mirroring spec §4.2's
// "bounded blocking wait (<= 60s)".
type Liaison struct {
	Notifier Notifier
}

func (l *Liaison) NotifyEnteringSuspend(vm types.VmRef) error {
	return l.Notifier.NotifyEnteringSuspend(vm)
}

func (l *Liaison) WaitAck(timeout time.Duration, abortSignal Signal) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	acks := l.Notifier.Acks()
	for {
		select {
		case <-acks:
			return true, nil
		case <-deadline.C:
			return false, nil
		case <-poll.C:
			if abortSignal != nil && abortSignal.Requested() {
				return false, nil
			}
		}
	}
}
