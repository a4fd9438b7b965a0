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
	"net/http"
	"os"

	"github.com/emicklei/go-restful/v3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/clustervirt/migrate/pkg/log"
	"github.com/clustervirt/migrate/pkg/migrate/admission"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

var (
	selfHost   string
	listenAddr string
	verbosity  int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "migrated",
		Short: "runs the per-host migration receiver endpoint",
		RunE:  run,
	}

	rootCmd.PersistentFlags().StringVar(&selfHost, "host", "", "this host's cluster-wide identity (required)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", ":8090", "address the receiver admission endpoint listens on")
	rootCmd.PersistentFlags().IntVar(&verbosity, "v", 0, "log verbosity level")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if selfHost == "" {
		return errors.New("--host is required")
	}

	log.InitializeLogging("migrated")
	if err := log.Log.SetVerbosityLevel(verbosity); err != nil {
		return errors.Wrap(err, "failed to set log verbosity")
	}
	logger := log.Log

	caps, err := wireCapabilities(selfHost)
	if err != nil {
		return errors.Wrap(err, "failed to wire migration capabilities")
	}

	handler := &admission.Handler{
		SelfHost:   types.HostRef(selfHost),
		DB:         caps.db,
		Hypervisor: caps.hypervisor,
		Storage:    caps.storage,
		Adopter:    caps.adopter,
		Estimator:  caps.estimator,
		Log:        logger,
	}

	container := restful.NewContainer()
	ws := new(restful.WebService)
	handler.Register(ws)
	container.Add(ws)
	container.ServeMux.Handle("/metrics", promhttp.Handler())

	logger.Infof("migrated listening on %s as host %s", listenAddr, selfHost)
	server := &http.Server{Addr: listenAddr, Handler: container}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "migration receiver endpoint exited")
	}
	return nil
}
