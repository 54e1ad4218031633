package bridge_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gazelle-net/lstack/pkg/bridge"
)

var _ = Describe("wire encode/decode", func() {
	It("round-trips an ARP buffer frame", func() {
		frame := []byte{1, 2, 3, 4, 5}
		body := bridge.EncodeARPBuffer(frame)
		Expect(body).To(HaveLen(bridge.KindARPBuffer.Length()))
		got := bridge.DecodeARPBuffer(body)
		Expect(got[:len(frame)]).To(Equal(frame))
	})

	It("round-trips a TCP hand-off queue id and frame", func() {
		frame := []byte("hello-frame")
		body := bridge.EncodeTCPHandoff(42, frame)
		Expect(body).To(HaveLen(bridge.KindTCPHandoff.Length()))
		queueID, got := bridge.DecodeTCPHandoff(body)
		Expect(queueID).To(Equal(42))
		Expect(got[:len(frame)]).To(Equal(frame))
	})

	It("round-trips a flow-rule create six-tuple", func() {
		body := bridge.EncodeFlowCreate(167772161, 167772162, 1000, 80, 3, 1)
		Expect(body).To(HaveLen(bridge.KindFlowCreate.Length()))
		srcIP, dstIP, srcPort, dstPort, queueID, processIdx, err := bridge.DecodeFlowCreate(body)
		Expect(err).NotTo(HaveOccurred())
		Expect(srcIP).To(Equal(uint32(167772161)))
		Expect(dstIP).To(Equal(uint32(167772162)))
		Expect(srcPort).To(Equal(uint16(1000)))
		Expect(dstPort).To(Equal(uint16(80)))
		Expect(queueID).To(Equal(3))
		Expect(processIdx).To(Equal(1))
	})

	It("round-trips a flow-rule delete tuple", func() {
		body := bridge.EncodeFlowDelete(167772162, 1000, 80)
		Expect(body).To(HaveLen(bridge.KindFlowDelete.Length()))
		dstIP, srcPort, dstPort, err := bridge.DecodeFlowDelete(body)
		Expect(err).NotTo(HaveOccurred())
		Expect(dstIP).To(Equal(uint32(167772162)))
		Expect(srcPort).To(Equal(uint16(1000)))
		Expect(dstPort).To(Equal(uint16(80)))
	})

	It("round-trips a listen-port registration, add and remove", func() {
		body := bridge.EncodeListenPort(8080, 2, true)
		Expect(body).To(HaveLen(bridge.KindListenPort.Length()))
		port, processIdx, isAdd, err := bridge.DecodeListenPort(body)
		Expect(err).NotTo(HaveOccurred())
		Expect(port).To(Equal(uint16(8080)))
		Expect(processIdx).To(Equal(2))
		Expect(isAdd).To(BeTrue())

		body = bridge.EncodeListenPort(8080, 2, false)
		_, _, isAdd, err = bridge.DecodeListenPort(body)
		Expect(err).NotTo(HaveOccurred())
		Expect(isAdd).To(BeFalse())
	})

	It("rejects a listen-port body of the wrong length", func() {
		_, _, _, err := bridge.DecodeListenPort([]byte("short"))
		Expect(err).To(HaveOccurred())
	})
})
