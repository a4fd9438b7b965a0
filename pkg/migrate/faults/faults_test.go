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

package faults_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/clustervirt/migrate/pkg/migrate/faults"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

func TestFaults(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Faults Suite")
}

func withFailureKey(value string) types.VmRef {
	return types.VmRef{
		Ref:         "vm-1",
		OtherConfig: map[string]string{types.OtherConfigFailureTestKey: value},
	}
}

var _ = Describe("Active", func() {
	It("returns 0 when the key is absent", func() {
		Expect(faults.Active(types.VmRef{})).To(Equal(faults.Point(0)))
	})

	It("returns 0 for an out-of-range value", func() {
		Expect(faults.Active(withFailureKey("9"))).To(Equal(faults.Point(0)))
	})

	It("parses a configured point", func() {
		Expect(faults.Active(withFailureKey("3"))).To(Equal(faults.SourceAfterSuspendBeforeFlush))
	})
})

var _ = Describe("Inject", func() {
	It("raises VmMigrateFailed for point 1 when configured", func() {
		vm := withFailureKey("1")
		err := faults.Inject(vm, faults.SourceBeforeSuspend)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("point 1"))
	})

	It("is a no-op when a different point is configured", func() {
		vm := withFailureKey("1")
		Expect(faults.Inject(vm, faults.SourceAfterSuspendBeforeFlush)).To(Succeed())
	})

	It("never synchronously raises for points 2 and 5", func() {
		Expect(faults.Inject(withFailureKey("2"), faults.SourceCrashDuringSuspend)).To(Succeed())
		Expect(faults.Inject(withFailureKey("5"), faults.DestinationCrashAfterRestore)).To(Succeed())
	})
})

var _ = Describe("CrashDuringSuspend and CrashAfterRestore", func() {
	It("report true only for their own point", func() {
		Expect(faults.CrashDuringSuspend(withFailureKey("2"))).To(BeTrue())
		Expect(faults.CrashDuringSuspend(withFailureKey("5"))).To(BeFalse())
		Expect(faults.CrashAfterRestore(withFailureKey("5"))).To(BeTrue())
		Expect(faults.CrashAfterRestore(withFailureKey("2"))).To(BeFalse())
	})
})
