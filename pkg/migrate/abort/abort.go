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

// Package abort implements the external abort liaison named in spec §4.2
// (suspend-ack wait) and §4.4 (abort preflight): a signal polled at two
// specific points, never interrupting anything in between (spec §5).
package abort

import "sync/atomic"

// Signal reports whether an external abort has been requested for the
// in-flight migration. Polled, not pushed: the core only checks it at
// the suspend-ack wait and the coordinator's preflight.
type Signal interface {
	Requested() bool
}

// Flag is the concrete Signal used by the coordinator: a single
// external caller (CLI, task cancellation watcher) sets it once, and
// every poller after that observes it set.
type Flag struct {
	requested atomic.Bool
}

func NewFlag() *Flag { return &Flag{} }

func (f *Flag) Request()        { f.requested.Store(true) }
func (f *Flag) Requested() bool { return f.requested.Load() }

// Never is a Signal that's never requested, for call sites that don't
// wire in external abort support (e.g. most unit tests).
type never struct{}

func (never) Requested() bool { return false }

var Never Signal = never{}
