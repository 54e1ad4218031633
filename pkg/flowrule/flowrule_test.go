package flowrule_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gazelle-net/lstack/pkg/flowrule"
)

var _ = Describe("Table", func() {
	t := flowrule.Tuple{SrcIP: 10, DstIP: 20, SrcPort: 100, DstPort: 200}

	It("installs a rule once and is idempotent on repeated create", func() {
		tb := flowrule.New(nil)
		calls := 0
		install := func() (any, error) {
			calls++
			return "handle", nil
		}

		Expect(tb.Create(t, 3, install)).To(Succeed())
		Expect(tb.Create(t, 3, install)).To(Succeed())
		Expect(calls).To(Equal(1))
		Expect(tb.Count()).To(Equal(1))

		r, ok := tb.Lookup(t)
		Expect(ok).To(BeTrue())
		Expect(r.QueueID).To(Equal(3))
	})

	It("propagates an install failure without inserting the rule", func() {
		tb := flowrule.New(nil)
		err := tb.Create(t, 1, func() (any, error) {
			return nil, errors.New("device rejected rule")
		})
		Expect(err).To(HaveOccurred())
		Expect(tb.Count()).To(Equal(0))
	})

	It("is free-on-hit: deleting an absent rule is a no-op", func() {
		tb := flowrule.New(nil)
		called := false
		err := tb.Delete(t, func(any) error { called = true; return nil })
		Expect(err).NotTo(HaveOccurred())
		Expect(called).To(BeFalse())
	})

	It("deletes an installed rule exactly once, calling destroy with its handle", func() {
		tb := flowrule.New(nil)
		Expect(tb.Create(t, 2, func() (any, error) { return "h", nil })).To(Succeed())

		// Delete is keyed on the reverse direction of the flow, so it is
		// called with the tuple as seen from the other endpoint.
		rev := flowrule.Tuple{SrcIP: t.DstIP, DstIP: t.SrcIP, SrcPort: t.DstPort, DstPort: t.SrcPort}

		var gotHandle any
		Expect(tb.Delete(rev, func(h any) error { gotHandle = h; return nil })).To(Succeed())
		Expect(gotHandle).To(Equal("h"))
		Expect(tb.Count()).To(Equal(0))

		// Second delete is a no-op; destroy must not be called again.
		called := false
		Expect(tb.Delete(rev, func(any) error { called = true; return nil })).To(Succeed())
		Expect(called).To(BeFalse())
	})
})
