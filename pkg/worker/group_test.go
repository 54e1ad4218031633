package worker_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gazelle-net/lstack/pkg/config"
	"github.com/gazelle-net/lstack/pkg/worker"
)

func makeWorkers(n int, cfg *config.Params) []*worker.Worker {
	var ws []*worker.Worker
	for i := 0; i < n; i++ {
		ws = append(ws, worker.New(i, i, 0, i, worker.RoleUnified, cfg, nil))
	}
	return ws
}

var _ = Describe("Group.BindProtocolStack", func() {
	It("round-robins when neither tuple filtering nor listen shadowing is enabled", func() {
		cfg := &config.Params{}
		ws := makeWorkers(3, cfg)
		g := worker.NewGroup(ws, cfg)

		chosen := []int{}
		for i := 0; i < 6; i++ {
			w := g.BindProtocolStack(false)
			chosen = append(chosen, w.Index)
		}
		Expect(chosen).To(Equal([]int{0, 1, 2, 0, 1, 2}))
		for _, w := range ws {
			Expect(w.ConnNum()).To(Equal(uint32(2)))
		}
	})

	It("picks the least-loaded worker when tuple filtering is enabled", func() {
		cfg := &config.Params{TupleFilter: true}
		ws := makeWorkers(3, cfg)
		ws[0].IncConnNum()
		ws[0].IncConnNum()
		ws[1].IncConnNum()

		g := worker.NewGroup(ws, cfg)
		w := g.BindProtocolStack(false)
		Expect(w.Index).To(Equal(2)) // conn_num 0, the smallest
	})

	It("restricts placement to the matching role when send/recv is split", func() {
		cfg := &config.Params{TupleFilter: true, SeparateSendRecv: true}
		ws := makeWorkers(2, cfg)
		ws[0] = worker.New(0, 0, 0, 0, worker.RoleRecvOnly, cfg, nil)
		ws[1] = worker.New(1, 1, 0, 1, worker.RoleSendOnly, cfg, nil)

		g := worker.NewGroup(ws, cfg)
		w := g.BindProtocolStack(true)
		Expect(w.Role).To(Equal(worker.RoleRecvOnly))
	})
})

var _ = Describe("InitBarrier", func() {
	It("releases Wait only once every worker and helper has posted", func() {
		b := worker.NewInitBarrier(2) // expects 4 posts

		done := make(chan error, 1)
		go func() {
			done <- b.Wait(context.Background())
		}()

		for i := 0; i < 3; i++ {
			b.Post()
		}
		Consistently(done, 50*time.Millisecond).ShouldNot(Receive())

		b.Post()
		Eventually(done, time.Second).Should(Receive(BeNil()))
	})

	It("propagates context cancellation if posts never complete", func() {
		b := worker.NewInitBarrier(1)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := b.Wait(ctx)
		Expect(err).To(HaveOccurred())
	})
})
