package socktable_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gazelle-net/lstack/pkg/socktable"
)

var _ = Describe("Table", func() {
	It("allocates descriptors owned by the requesting worker", func() {
		tb := socktable.New()
		s := tb.Allocate(2)
		Expect(s.OwnerWorker).To(Equal(2))
		Expect(s.ListenNext).To(Equal(socktable.Descriptor(-1)))

		got, ok := tb.Lookup(s.FD)
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(s))
	})

	It("returns an error closing an unknown descriptor", func() {
		tb := socktable.New()
		err := tb.Close(socktable.Descriptor(999))
		Expect(err).To(HaveOccurred())
	})

	It("removes the record on close", func() {
		tb := socktable.New()
		s := tb.Allocate(0)
		Expect(tb.Close(s.FD)).To(Succeed())
		_, ok := tb.Lookup(s.FD)
		Expect(ok).To(BeFalse())
	})

	It("tracks event bits with set/clear", func() {
		s := &socktable.Socket{}
		s.SetEvents(socktable.EventIn | socktable.EventOut)
		Expect(s.Events() & socktable.EventIn).NotTo(BeZero())
		s.ClearEvents(socktable.EventOut)
		Expect(s.Events() & socktable.EventOut).To(BeZero())
		Expect(s.Events() & socktable.EventIn).NotTo(BeZero())
	})

	It("walks a shadow ring in order and stops at the sentinel", func() {
		tb := socktable.New()
		a := tb.Allocate(0)
		b := tb.Allocate(1)
		c := tb.Allocate(2)
		a.ListenNext = b.FD
		b.ListenNext = c.FD
		c.ListenNext = -1

		var order []int
		tb.ShadowRing(a.FD, func(s *socktable.Socket) bool {
			order = append(order, s.OwnerWorker)
			return true
		})
		Expect(order).To(Equal([]int{0, 1, 2}))
	})

	It("does not loop forever on a corrupted cyclic ring", func() {
		tb := socktable.New()
		a := tb.Allocate(0)
		b := tb.Allocate(1)
		a.ListenNext = b.FD
		b.ListenNext = a.FD // cycle

		count := 0
		tb.ShadowRing(a.FD, func(*socktable.Socket) bool {
			count++
			return true
		})
		Expect(count).To(Equal(2))
	})
})
