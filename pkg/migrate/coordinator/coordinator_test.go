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

package coordinator_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/clustervirt/migrate/pkg/migrate/coordinator"
	"github.com/clustervirt/migrate/pkg/migrate/merrors"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

func TestCoordinator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Coordinator Suite")
}

var _ = Describe("Migrate", func() {
	It("unconditionally rejects cross-pool migration without touching any capability", func() {
		c := &coordinator.Coordinator{}
		err := c.Migrate(context.Background(), types.VmRef{Ref: "vm-1"}, "other-pool", coordinator.Options{})
		Expect(err).To(HaveOccurred())
		Expect(err).To(Equal(&merrors.NotImplemented{Op: "VM.migrate"}))
	})
})
