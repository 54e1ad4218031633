package pktpool_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gazelle-net/lstack/pkg/errs"
	"github.com/gazelle-net/lstack/pkg/pktpool"
)

var _ = Describe("Pool", func() {
	It("allocates buffers sized and NUMA-tagged per the pool", func() {
		p := pktpool.New(1, 2048, 4)
		b, err := p.Alloc()
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Data).To(HaveLen(2048))
		Expect(b.NUMANode).To(Equal(1))
	})

	It("returns a buffer to the pool once its refcount reaches zero", func() {
		p := pktpool.New(0, 64, 1)
		b, err := p.Alloc()
		Expect(err).NotTo(HaveOccurred())
		b.Retain()
		b.Release()
		Expect(p.Stats().Allocated).To(Equal(int64(1)))
		b.Release()

		b2, err := p.Alloc()
		Expect(err).NotTo(HaveOccurred())
		Expect(b2.Len).To(Equal(0))
	})

	It("releases an entire chain when the head is released", func() {
		p := pktpool.New(0, 16, 2)
		head, _ := p.Alloc()
		tail, _ := p.Alloc()
		head.Next = tail
		head.Release()
		// both buffers should be back in the free pool; a fresh burst
		// of 2 should succeed without hitting allocation failure.
		burst := p.AllocBurst(2)
		Expect(burst).To(HaveLen(2))
	})

	It("copies payload across pools without sharing the buffer", func() {
		src := pktpool.New(0, 32, 1)
		dst := pktpool.New(1, 32, 1)
		sb, _ := src.Alloc()
		copy(sb.Data, []byte("hello"))
		sb.Len = 5

		db, err := dst.CopyFrom(sb)
		Expect(err).NotTo(HaveOccurred())
		Expect(db.NUMANode).To(Equal(1))
		Expect(string(db.Data[:db.Len])).To(Equal("hello"))
	})

	It("reports ResourceAllocFailed once capacity outstanding buffers are checked out", func() {
		p := pktpool.New(0, 8, 2)
		b1, err := p.Alloc()
		Expect(err).NotTo(HaveOccurred())
		b2, err := p.Alloc()
		Expect(err).NotTo(HaveOccurred())

		_, err = p.Alloc()
		Expect(errs.IsCode(err, errs.ResourceAllocFailed)).To(BeTrue())
		Expect(p.Stats().Failed).To(Equal(int64(1)))

		// releasing one outstanding buffer frees capacity for the next Alloc.
		b1.Release()
		b3, err := p.Alloc()
		Expect(err).NotTo(HaveOccurred())
		Expect(b3).NotTo(BeNil())
		b2.Release()
		b3.Release()
	})
})
