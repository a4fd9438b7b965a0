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

// Package metrics is the RRD/telemetry push component named in spec §2's
// component table and supplemented in SPEC_FULL.md §4.7: registered
// Prometheus counters/histograms for migrations, plus a best-effort push
// of RRD samples to the destination host at the point the transmitter's
// post-suspend sequence names (spec §4.2 step 5). No package in this
// module records observations into the collectors, and the transmitter
// pushes an empty sample list.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MigrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "migrate_migrations_total",
		Help: "Total migrations attempted, labeled by terminal outcome.",
	}, []string{"outcome"})

	MigrationDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "migrate_migration_duration_seconds",
		Help:    "Wall-clock duration of a migration from coordinator dispatch to its terminal barrier.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	BarrierLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "migrate_barrier_latency_seconds",
		Help:    "Time spent waiting at each rendezvous barrier.",
		Buckets: prometheus.DefBuckets,
	}, []string{"barrier"})
)

func init() {
	prometheus.MustRegister(MigrationsTotal, MigrationDurationSeconds, BarrierLatencySeconds)
}

// Sample is one RRD data point pushed to the destination host's
// telemetry endpoint.
type Sample struct {
	Name  string
	Value float64
}

// Pusher pushes RRD samples to a remote host's telemetry endpoint. This
// is the out-of-scope collaborator the transmitter calls into; spec §1
// excludes the storage backend and hypervisor but the RRD sink is named
// directly in the component table, so its interface lives in this
// package while its implementation (HTTP POST, auth, retries) does not.
type Pusher interface {
	Push(ctx context.Context, destHost string, samples []Sample) error
}

// PushBestEffort calls p.Push and swallows any error after logging it:
// telemetry push is explicitly best-effort (spec §4.2 step 5) and must
// never fail or delay the migration.
func PushBestEffort(ctx context.Context, p Pusher, destHost string, samples []Sample, onErr func(error)) {
	if p == nil {
		return
	}
	if err := p.Push(ctx, destHost, samples); err != nil && onErr != nil {
		onErr(err)
	}
}
