package tcpstack_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gazelle-net/lstack/pkg/tcpstack"
)

var _ = Describe("Reference", func() {
	It("moves a fresh connection through bind/listen and accepts a connector", func() {
		r := tcpstack.NewReference()

		listener := r.NewConn()
		Expect(r.Bind(listener, "10.0.0.1:80")).To(Succeed())
		Expect(r.Listen(listener, 16)).To(Succeed())
		Expect(r.State(listener)).To(Equal(tcpstack.StateListen))
		Expect(r.RegisterListener(listener)).To(Succeed())

		client := r.NewConn()
		Expect(r.Connect(client, "10.0.0.1:80")).To(Succeed())
		Expect(r.State(client)).To(Equal(tcpstack.StateEstablished))

		accepted, ok := r.Accept(listener)
		Expect(ok).To(BeTrue())
		Expect(accepted).To(Equal(client))
	})

	It("returns EAGAIN-style false when nothing is pending", func() {
		r := tcpstack.NewReference()
		listener := r.NewConn()
		Expect(r.Bind(listener, "10.0.0.1:80")).To(Succeed())
		Expect(r.Listen(listener, 16)).To(Succeed())

		_, ok := r.Accept(listener)
		Expect(ok).To(BeFalse())
	})

	It("refuses a connect to an address with no registered listener", func() {
		r := tcpstack.NewReference()
		client := r.NewConn()
		err := r.Connect(client, "10.0.0.1:80")
		Expect(err).To(HaveOccurred())
	})

	It("errors on operations against an unknown handle", func() {
		r := tcpstack.NewReference()
		Expect(r.Bind(tcpstack.Handle(999), "x")).To(HaveOccurred())
	})

	It("clears listener registration on close", func() {
		r := tcpstack.NewReference()
		listener := r.NewConn()
		Expect(r.Bind(listener, "10.0.0.1:80")).To(Succeed())
		Expect(r.Listen(listener, 16)).To(Succeed())
		Expect(r.RegisterListener(listener)).To(Succeed())
		Expect(r.Close(listener)).To(Succeed())

		client := r.NewConn()
		err := r.Connect(client, "10.0.0.1:80")
		Expect(err).To(HaveOccurred())
	})
})
