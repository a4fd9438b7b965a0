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

package ledger_test

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/clustervirt/migrate/pkg/migrate/ledger"
	"github.com/clustervirt/migrate/pkg/migrate/types"
)

func TestLedger(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ledger Suite")
}

var _ = Describe("Guard", func() {
	It("runs deferred steps in LIFO order", func() {
		var order []string
		g := &ledger.Guard{}
		g.Defer("first", func() error { order = append(order, "first"); return nil })
		g.Defer("second", func() error { order = append(order, "second"); return nil })
		g.Defer("third", func() error { order = append(order, "third"); return nil })

		failed := g.Release(nil)
		Expect(failed).To(Equal(0))
		Expect(order).To(Equal([]string{"third", "second", "first"}))
	})

	It("continues past a failing step and reports it via onErr", func() {
		g := &ledger.Guard{}
		var failedSteps []string
		g.Defer("ok", func() error { return nil })
		g.Defer("boom", func() error { return errors.New("boom") })

		failed := g.Release(func(step string, err error) {
			failedSteps = append(failedSteps, step)
		})
		Expect(failed).To(Equal(1))
		Expect(failedSteps).To(Equal([]string{"boom"}))
	})

	It("clears its steps so a second Release is a no-op", func() {
		g := &ledger.Guard{}
		calls := 0
		g.Defer("once", func() error { calls++; return nil })
		g.Release(nil)
		g.Release(nil)
		Expect(calls).To(Equal(1))
	})
})

type fakeStorage struct {
	detached   []string
	deactivated []string
	failDetach  map[string]bool
}

func (f *fakeStorage) Attach(vdi types.VdiRef, mode types.VbdMode) error { return nil }
func (f *fakeStorage) Activate(vdi types.VdiRef) error                  { return nil }
func (f *fakeStorage) HasActivateCapability(vdi types.VdiRef) bool      { return false }

func (f *fakeStorage) Detach(vdi types.VdiRef) error {
	if f.failDetach != nil && f.failDetach[vdi.Ref] {
		return errors.New("detach failed")
	}
	f.detached = append(f.detached, vdi.Ref)
	return nil
}

func (f *fakeStorage) Deactivate(vdi types.VdiRef) error {
	f.deactivated = append(f.deactivated, vdi.Ref)
	return nil
}

var _ = Describe("DetachAll and DeactivateAll", func() {
	It("detaches every vdi, continuing past a per-item failure", func() {
		s := &fakeStorage{failDetach: map[string]bool{"vdi-2": true}}
		vdis := []types.VdiRef{{Ref: "vdi-1"}, {Ref: "vdi-2"}, {Ref: "vdi-3"}}

		var failures []string
		ledger.DetachAll(s, vdis, func(v types.VdiRef, err error) {
			failures = append(failures, v.Ref)
		})

		Expect(s.detached).To(Equal([]string{"vdi-1", "vdi-3"}))
		Expect(failures).To(Equal([]string{"vdi-2"}))
	})

	It("deactivates every vdi", func() {
		s := &fakeStorage{}
		vdis := []types.VdiRef{{Ref: "vdi-1"}, {Ref: "vdi-2"}}
		ledger.DeactivateAll(s, vdis, nil)
		Expect(s.deactivated).To(Equal([]string{"vdi-1", "vdi-2"}))
	})
})
