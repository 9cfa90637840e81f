package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/usb4bridge/bridge"
	"github.com/sarchlab/usb4bridge/irq"
	"github.com/sarchlab/usb4bridge/link"
	"github.com/sarchlab/usb4bridge/silicon"
	"github.com/sarchlab/usb4bridge/tlp"
)

var _ = Describe("Monitor", func() {
	var (
		m       *Monitor
		chip    *silicon.Chip
		b       *bridge.Bridge
		handler http.Handler
	)

	do := func(method, url, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, url, strings.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec
	}

	decode := func(rec *httptest.ResponseRecorder, v any) {
		Expect(json.Unmarshal(rec.Body.Bytes(), v)).To(Succeed())
	}

	BeforeEach(func() {
		chip = silicon.MakeBuilder().Build("Chip")
		b = bridge.MakeBuilder().WithChip(chip).Build("Bridge")

		m = NewMonitor()
		m.RegisterBridge(b, chip)
		handler = m.Handler()
	})

	It("should list bridges", func() {
		rec := do(http.MethodGet, "/api/list_bridges", "")

		Expect(rec.Code).To(Equal(http.StatusOK))

		var names []string
		decode(rec, &names)
		Expect(names).To(Equal([]string{"Bridge"}))
	})

	It("should answer 404 for unknown bridges", func() {
		rec := do(http.MethodGet, "/api/stats/Nope", "")

		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("should serialize the bridge state", func() {
		rec := do(http.MethodGet, "/api/bridge/Bridge", "")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("LaneMask"))
		Expect(rec.Body.String()).To(ContainSubstring("SeqCounterB"))
		Expect(rec.Body.String()).To(ContainSubstring("LinkConfigLo"))
	})

	It("should serialize a single field", func() {
		req := url.PathEscape(`{"bridge_name":"Bridge","field_name":"Adapter"}`)
		rec := do(http.MethodGet, "/api/field/"+req, "")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("Mode"))
	})

	It("should reject malformed field requests", func() {
		rec := do(http.MethodGet, "/api/field/notjson", "")

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("should dump registers", func() {
		chip.Registers().Load(0xB000, 0x5A)

		rec := do(http.MethodGet, "/api/registers/Bridge?base=0xB000&n=4", "")

		Expect(rec.Code).To(Equal(http.StatusOK))

		var rsp registersRsp
		decode(rec, &rsp)
		Expect(rsp.Base).To(Equal("0xB000"))
		Expect(rsp.Values).To(Equal([]int{0x5A, 0, 0, 0}))
	})

	It("should bound register dumps", func() {
		rec := do(http.MethodGet, "/api/registers/Bridge?n=1000", "")

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("should report simulated time", func() {
		_, err := b.WriteMemory(context.Background(), silicon.DefaultBARBase, [4]byte{})
		Expect(err).NotTo(HaveOccurred())

		rec := do(http.MethodGet, "/api/now/Bridge", "")

		var rsp nowRsp
		decode(rec, &rsp)
		Expect(rsp.Cycles).To(BeNumerically(">", 0))
		Expect(rsp.Now).To(BeNumerically(">", 0))
	})

	It("should report transaction latency", func() {
		ctx := context.Background()
		_, _, err := b.ReadMemory(ctx, silicon.DefaultBARBase)
		Expect(err).NotTo(HaveOccurred())
		_, _, err = b.ReadMemory(ctx, silicon.DefaultBARBase+4)
		Expect(err).NotTo(HaveOccurred())

		rec := do(http.MethodGet, "/api/latency/Bridge", "")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var rsp map[string]Latency
		decode(rec, &rsp)
		Expect(rsp).To(HaveKey(tlp.MemRead.String()))

		l := rsp[tlp.MemRead.String()]
		Expect(l.Count).To(BeEquivalentTo(2))
		Expect(l.Average).To(BeNumerically(">", 0))
		Expect(l.Max).To(BeNumerically(">=", l.Average))
	})

	It("should refuse latency for bridges without a chip", func() {
		plain := bridge.MakeBuilder().WithChip(silicon.MakeBuilder().Build("Other")).Build("Plain")
		m.RegisterBridge(plain, nil)

		rec := do(http.MethodGet, "/api/latency/Plain", "")
		Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
	})

	It("should train the link and count attempts", func() {
		rec := do(http.MethodPost, "/api/train/Bridge?target=0x0F", "")

		Expect(rec.Code).To(Equal(http.StatusOK))

		var rsp linkRsp
		decode(rec, &rsp)
		Expect(rsp.Mode).To(Equal("direct"))

		rec = do(http.MethodGet, "/api/stats/Bridge", "")

		var stats Stats
		decode(rec, &stats)
		Expect(stats.TrainAttempts).To(BeEquivalentTo(link.MaxAttempts))
		Expect(stats.TrainExhausted).To(BeEquivalentTo(1))
	})

	It("should reject out-of-range training targets", func() {
		rec := do(http.MethodPost, "/api/train/Bridge?target=300", "")

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("should only train on POST", func() {
		rec := do(http.MethodGet, "/api/train/Bridge", "")

		Expect(rec.Code).NotTo(Equal(http.StatusOK))
		Expect(chip.PHY().Attempts()).To(BeZero())
	})

	It("should request a tunnel", func() {
		rec := do(http.MethodPost, "/api/tunnel/Bridge",
			`{"link_config_lo": 18, "mode": 3}`)

		Expect(rec.Code).To(Equal(http.StatusAccepted))

		f := b.State().Snapshot()
		Expect(f.TunnelRequested).To(BeTrue())
		Expect(f.Adapter.LinkConfigLo).To(Equal(uint8(18)))
		Expect(f.Adapter.Mode).To(Equal(uint8(3)))
	})

	It("should reject malformed tunnel requests", func() {
		rec := do(http.MethodPost, "/api/tunnel/Bridge", `{`)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(b.State().Snapshot().TunnelRequested).To(BeFalse())
	})

	It("should queue interrupts", func() {
		rec := do(http.MethodPost, "/api/irq/Bridge/system", "")

		Expect(rec.Code).To(Equal(http.StatusAccepted))
		Expect(b.Pending()).To(Equal(1))

		reports, err := b.Drain(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(reports).To(HaveLen(1))
		Expect(reports[0].Line).To(Equal(irq.LineSystem))

		rec = do(http.MethodGet, "/api/stats/Bridge", "")

		var stats Stats
		decode(rec, &stats)
		Expect(stats.Dispatches).To(HaveKeyWithValue("system", uint64(1)))
		Expect(stats.Recent).To(HaveLen(1))
	})

	It("should reject unknown lines", func() {
		rec := do(http.MethodPost, "/api/irq/Bridge/usb", "")

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(b.Pending()).To(BeZero())
	})

	It("should probe configuration space", func() {
		rec := do(http.MethodPost, "/api/probe/Bridge?bus=1", "")

		Expect(rec.Code).To(Equal(http.StatusOK))

		var rsp probeRsp
		decode(rec, &rsp)
		Expect(rsp.Data).To(Equal("87 19 16 50"))
	})

	It("should track progress bars", func() {
		bar := m.CreateProgressBar("sweep", 4)
		bar.IncrementInProgress(2)
		bar.MoveInProgressToFinished(1)

		rec := do(http.MethodGet, "/api/progress", "")

		var bars []progressView
		decode(rec, &bars)
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Finished).To(Equal(uint64(1)))
		Expect(bars[0].InProgress).To(Equal(uint64(1)))

		m.CompleteProgressBar(bar)

		rec = do(http.MethodGet, "/api/progress", "")
		decode(rec, &bars)
		Expect(bars).To(BeEmpty())
	})

	It("should serve the dashboard", func() {
		rec := do(http.MethodGet, "/", "")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(HavePrefix("<!DOCTYPE html>"))
	})

	It("should serve until the context ends", func() {
		l, err := m.Listen()
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)

		go func() { done <- m.Serve(ctx, l) }()

		rsp, err := http.Get("http://" + l.Addr().String() + "/api/list_bridges")
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()
		Expect(rsp.StatusCode).To(Equal(http.StatusOK))

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})

var _ = Describe("Port number", func() {
	It("should refuse privileged ports", func() {
		Expect(NewMonitor().WithPortNumber(80).portNumber).To(BeZero())
		Expect(NewMonitor().WithPortNumber(8080).portNumber).To(Equal(8080))
	})
})
