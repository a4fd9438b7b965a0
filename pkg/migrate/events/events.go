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

// Package events declares the task/progress sink the coordinator
// dispatches terminal and progress updates to (spec §4.4, §7). The sink
// itself — task objects, UI, audit logging — is out of scope (spec §1);
// only the dispatch call sites living in the coordinator are core.
package events

// Sink receives the four terminal states a migration task can reach,
// plus progress updates in [0,1].
type Sink interface {
	Pending(taskID string)
	Progress(taskID string, fraction float64)
	Success(taskID string)
	Cancelled(taskID string, reason string)
	Failure(taskID string, err error)
}

// NoopSink discards every call. Useful as the default when a caller
// doesn't care about task/event plumbing.
type NoopSink struct{}

func (NoopSink) Pending(string)           {}
func (NoopSink) Progress(string, float64) {}
func (NoopSink) Success(string)           {}
func (NoopSink) Cancelled(string, string) {}
func (NoopSink) Failure(string, error)    {}
