// Package monitoring turns a running bridge into a web server so that its
// state, registers and statistics can be inspected and its link and tunnel
// operations triggered from outside.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/usb4bridge/bridge"
	"github.com/sarchlab/usb4bridge/irq"
	"github.com/sarchlab/usb4bridge/monitoring/web"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/silicon"
	"github.com/sarchlab/usb4bridge/state"
	"github.com/sarchlab/usb4bridge/tlp"
)

// ProfileDuration is how long /api/profile samples the CPU.
var ProfileDuration = time.Second

type target struct {
	bridge  *bridge.Bridge
	chip    *silicon.Chip
	stats   *Stats
	latency *LatencyTracker
}

// Monitor serves the state of registered bridges over HTTP.
type Monitor struct {
	lock       sync.Mutex
	targets    []*target
	portNumber int

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterBridge registers a bridge to be monitored. The chip may be nil;
// without it registers and simulated time are not available.
func (m *Monitor) RegisterBridge(b *bridge.Bridge, chip *silicon.Chip) *Stats {
	t := &target{bridge: b, chip: chip, stats: NewStats()}
	b.AcceptHook(t.stats)

	if chip != nil {
		t.latency = NewLatencyTracker(chip)
		b.AcceptHook(t.latency)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	m.targets = append(m.targets, t)

	return t.stats
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the router of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/list_bridges", m.listBridges).Methods(http.MethodGet)
	r.HandleFunc("/api/bridge/{name}", m.bridgeState).Methods(http.MethodGet)
	r.HandleFunc("/api/field/{json}", m.listFieldValue).Methods(http.MethodGet)
	r.HandleFunc("/api/now/{name}", m.now).Methods(http.MethodGet)
	r.HandleFunc("/api/registers/{name}", m.registers).Methods(http.MethodGet)
	r.HandleFunc("/api/stats/{name}", m.stats).Methods(http.MethodGet)
	r.HandleFunc("/api/latency/{name}", m.latency).Methods(http.MethodGet)
	r.HandleFunc("/api/train/{name}", m.train).Methods(http.MethodPost)
	r.HandleFunc("/api/tunnel/{name}", m.tunnel).Methods(http.MethodPost)
	r.HandleFunc("/api/irq/{name}/{line}", m.interrupt).Methods(http.MethodPost)
	r.HandleFunc("/api/probe/{name}", m.probe).Methods(http.MethodPost)
	r.HandleFunc("/api/progress", m.listProgressBars).Methods(http.MethodGet)
	r.HandleFunc("/api/resource", m.listResources).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", m.collectProfile).Methods(http.MethodGet)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// Listen opens the monitor's port. Port 0 picks a free one.
func (m *Monitor) Listen() (net.Listener, error) {
	return net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
}

// Serve serves on l until ctx ends.
func (m *Monitor) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// StartServer starts serving in the background and returns the URL.
func (m *Monitor) StartServer(ctx context.Context) string {
	listener, err := m.Listen()
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d", listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring bridge with %s\n", url)

	go func() {
		dieOnErr(m.Serve(ctx, listener))
	}()

	return url
}

func (m *Monitor) listBridges(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	names := make([]string, len(m.targets))
	for i, t := range m.targets {
		names[i] = t.bridge.Name()
	}
	m.lock.Unlock()

	writeJSON(w, names)
}

func (m *Monitor) bridgeState(w http.ResponseWriter, r *http.Request) {
	t := m.findTargetOr404(w, mux.Vars(r)["name"])
	if t == nil {
		return
	}

	fields := t.bridge.State().Snapshot()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&fields)
	serializer.SetMaxDepth(2)

	dieOnErr(serializer.Serialize(w))
}

type fieldReq struct {
	BridgeName string `json:"bridge_name,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t := m.findTargetOr404(w, req.BridgeName)
	if t == nil {
		return
	}

	fields := t.bridge.State().Snapshot()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&fields)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	dieOnErr(serializer.Serialize(w))
}

type nowRsp struct {
	Now    float64 `json:"now"`
	Cycles uint64  `json:"cycles"`
}

func (m *Monitor) now(w http.ResponseWriter, r *http.Request) {
	t := m.findChipOr405(w, mux.Vars(r)["name"])
	if t == nil {
		return
	}

	writeJSON(w, nowRsp{Now: t.chip.Now(), Cycles: t.chip.Cycles()})
}

type registersRsp struct {
	Base   string `json:"base"`
	Values []int  `json:"values"`
}

func (m *Monitor) registers(w http.ResponseWriter, r *http.Request) {
	t := m.findChipOr405(w, mux.Vars(r)["name"])
	if t == nil {
		return
	}

	base, err := parseUint(r, "base", 16, uint64(regmap.TLPStatus))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n, err := parseUint(r, "n", 16, 16)
	if err != nil || n == 0 || n > 256 {
		http.Error(w, "n must be between 1 and 256", http.StatusBadRequest)
		return
	}

	addr := regmap.Addr(base)
	rsp := registersRsp{Base: addr.String()}

	for _, v := range t.chip.Registers().Dump(addr, int(n)) {
		rsp.Values = append(rsp.Values, int(v))
	}

	writeJSON(w, rsp)
}

func (m *Monitor) stats(w http.ResponseWriter, r *http.Request) {
	t := m.findTargetOr404(w, mux.Vars(r)["name"])
	if t == nil {
		return
	}

	writeJSON(w, t.stats.Snapshot())
}

func (m *Monitor) latency(w http.ResponseWriter, r *http.Request) {
	t := m.findChipOr405(w, mux.Vars(r)["name"])
	if t == nil {
		return
	}

	writeJSON(w, t.latency.Snapshot())
}

type linkRsp struct {
	Link     string `json:"link"`
	LaneMask uint8  `json:"lane_mask"`
	Weight   uint8  `json:"weight"`
	Mode     string `json:"mode"`
}

func linkRspOf(f state.Fields) linkRsp {
	return linkRsp{
		Link:     f.Link.String(),
		LaneMask: f.LaneMask,
		Weight:   f.AttemptWeight,
		Mode:     f.Mode.String(),
	}
}

func (m *Monitor) train(w http.ResponseWriter, r *http.Request) {
	t := m.findTargetOr404(w, mux.Vars(r)["name"])
	if t == nil {
		return
	}

	target, err := parseUint(r, "target", 8, uint64(state.FullWidth))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = t.bridge.Train(r.Context(), uint8(target))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, linkRspOf(t.bridge.State().Snapshot()))
}

type adapterReq struct {
	LinkConfigLo uint8 `json:"link_config_lo"`
	LinkConfigHi uint8 `json:"link_config_hi"`
	Mode         uint8 `json:"mode"`
	Aux          uint8 `json:"aux"`
}

func (m *Monitor) tunnel(w http.ResponseWriter, r *http.Request) {
	t := m.findTargetOr404(w, mux.Vars(r)["name"])
	if t == nil {
		return
	}

	req := adapterReq{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := t.bridge.RequestTunnel(r.Context(), state.AdapterConfig{
		LinkConfigLo: req.LinkConfigLo,
		LinkConfigHi: req.LinkConfigHi,
		Mode:         req.Mode,
		Aux:          req.Aux,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (m *Monitor) interrupt(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	t := m.findTargetOr404(w, vars["name"])
	if t == nil {
		return
	}

	line, ok := irq.ParseLine(vars["line"])
	if !ok {
		http.Error(w, "unknown line "+vars["line"], http.StatusBadRequest)
		return
	}

	t.bridge.Interrupt(line)

	w.WriteHeader(http.StatusAccepted)
}

type probeRsp struct {
	Address string `json:"address"`
	Data    string `json:"data"`
}

func (m *Monitor) probe(w http.ResponseWriter, r *http.Request) {
	t := m.findTargetOr404(w, mux.Vars(r)["name"])
	if t == nil {
		return
	}

	var cfg tlp.ConfigAddress

	for _, f := range []struct {
		key  string
		bits int
		dst  func(uint64)
	}{
		{"bus", 8, func(v uint64) { cfg.Bus = uint8(v) }},
		{"device", 5, func(v uint64) { cfg.Device = uint8(v) }},
		{"function", 3, func(v uint64) { cfg.Function = uint8(v) }},
		{"register", 10, func(v uint64) { cfg.Register = uint16(v) }},
	} {
		v, err := parseUint(r, f.key, f.bits, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.dst(v)
	}

	data, err := t.bridge.Probe(r.Context(), cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, probeRsp{Address: cfg.String(), Data: fmt.Sprintf("% x", data[:])})
}

func (m *Monitor) findTargetOr404(w http.ResponseWriter, name string) *target {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, t := range m.targets {
		if t.bridge.Name() == name {
			return t
		}
	}

	http.Error(w, "Bridge not found", http.StatusNotFound)

	return nil
}

func (m *Monitor) findChipOr405(w http.ResponseWriter, name string) *target {
	t := m.findTargetOr404(w, name)
	if t == nil {
		return nil
	}

	if t.chip == nil {
		http.Error(w, "Bridge is not simulated", http.StatusMethodNotAllowed)
		return nil
	}

	return t
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	bars := make([]progressView, len(m.progressBars))
	for i, b := range m.progressBars {
		bars[i] = b.snapshot()
	}

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(ProfileDuration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func parseUint(r *http.Request, key string, bits int, def uint64) (uint64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}

	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}

	return v, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
