package monitoring

import (
	"sync"

	"github.com/sarchlab/usb4bridge/hooking"
	"github.com/sarchlab/usb4bridge/timing"
	"github.com/sarchlab/usb4bridge/tlp"
)

// Latency summarizes the simulated duration of one kind of transaction.
type Latency struct {
	Count   uint64            `json:"count"`
	Average timing.VTimeInSec `json:"average"`
	Max     timing.VTimeInSec `json:"max"`
}

// LatencyTracker measures transactions from issue to completion, per format
// code. An engine runs one transaction at a time, so in-flight starts are
// keyed by the issuing engine.
type LatencyTracker struct {
	timeTeller timing.TimeTeller

	lock     sync.Mutex
	inflight map[hooking.Hookable]timing.VTimeInSec
	formats  map[string]*Latency
}

// NewLatencyTracker creates a tracker that reads time from timeTeller.
func NewLatencyTracker(timeTeller timing.TimeTeller) *LatencyTracker {
	return &LatencyTracker{
		timeTeller: timeTeller,
		inflight:   make(map[hooking.Hookable]timing.VTimeInSec),
		formats:    make(map[string]*Latency),
	}
}

// Func records issue and completion times.
func (t *LatencyTracker) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case tlp.HookPosTLPIssue:
		now := t.timeTeller.Now()

		t.lock.Lock()
		t.inflight[ctx.Domain] = now
		t.lock.Unlock()
	case tlp.HookPosTLPDone:
		t.end(ctx.Domain, ctx.Item.(tlp.Transaction))
	}
}

func (t *LatencyTracker) end(domain hooking.Hookable, tr tlp.Transaction) {
	now := t.timeTeller.Now()

	t.lock.Lock()
	defer t.lock.Unlock()

	start, ok := t.inflight[domain]
	if !ok {
		return
	}

	delete(t.inflight, domain)

	name := tr.Descriptor.FormatType.String()

	l := t.formats[name]
	if l == nil {
		l = &Latency{}
		t.formats[name] = l
	}

	d := now - start
	l.Average = (l.Average*float64(l.Count) + d) / float64(l.Count+1)
	l.Count++
	l.Max = max(l.Max, d)
}

// Snapshot returns the latency of every format seen so far.
func (t *LatencyTracker) Snapshot() map[string]Latency {
	t.lock.Lock()
	defer t.lock.Unlock()

	out := make(map[string]Latency, len(t.formats))
	for k, v := range t.formats {
		out[k] = *v
	}

	return out
}
