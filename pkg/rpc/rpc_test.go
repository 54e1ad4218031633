package rpc_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gazelle-net/lstack/pkg/errs"
	"github.com/gazelle-net/lstack/pkg/rpc"
)

var _ = Describe("Bus", func() {
	It("delivers a synchronous call's result back to the caller", func() {
		b := rpc.New(8)
		b.Register(rpc.KindBind, func(m *rpc.Message) {
			m.Result = "bound"
		})

		done := make(chan struct{})
		var result any
		var callErr error
		go func() {
			result, callErr = b.Call(context.Background(), rpc.KindBind, nil)
			close(done)
		}()

		Eventually(func() int { return b.Pending() }).Should(Equal(1))
		Expect(b.Drain(1)).To(Equal(1))

		Eventually(done, time.Second).Should(BeClosed())
		Expect(callErr).NotTo(HaveOccurred())
		Expect(result).To(Equal("bound"))
	})

	It("reports an error when no handler is registered for a kind", func() {
		b := rpc.New(8)
		done := make(chan struct{})
		var callErr error
		go func() {
			_, callErr = b.Call(context.Background(), rpc.KindConnect, nil)
			close(done)
		}()

		Eventually(func() int { return b.Pending() }).Should(Equal(1))
		b.Drain(1)
		Eventually(done, time.Second).Should(BeClosed())
		Expect(errs.IsCode(callErr, errs.ProtocolError)).To(BeTrue())
	})

	It("queues an async call without blocking for a reply", func() {
		b := rpc.New(8)
		received := make(chan any, 1)
		b.Register(rpc.KindARP, func(m *rpc.Message) {
			received <- m.Args
		})

		Expect(b.CallAsync(rpc.KindARP, "broadcast-payload")).To(Succeed())
		Expect(b.Drain(1)).To(Equal(1))
		Expect(<-received).To(Equal("broadcast-payload"))
	})

	It("honors context cancellation on a call that never gets drained", func() {
		b := rpc.New(8)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := b.Call(ctx, rpc.KindClose, nil)
		Expect(err).To(HaveOccurred())
	})
})
