package monitoring

import (
	"maps"
	"sync"

	"github.com/sarchlab/usb4bridge/hooking"
	"github.com/sarchlab/usb4bridge/irq"
	"github.com/sarchlab/usb4bridge/link"
	"github.com/sarchlab/usb4bridge/tlp"
)

// recentReports is how many dispatch reports Stats keeps.
const recentReports = 32

// Stats is a hook that counts what a bridge does.
type Stats struct {
	lock sync.Mutex

	Transactions   uint64               `json:"transactions"`
	Outcomes       map[string]uint64    `json:"outcomes"`
	TrainAttempts  uint64               `json:"train_attempts"`
	TrainExhausted uint64               `json:"train_exhausted"`
	Dispatches     map[string]uint64    `json:"dispatches"`
	Phases         map[string]uint64    `json:"phases"`
	Recent         []irq.DispatchReport `json:"recent"`
}

// NewStats creates empty statistics.
func NewStats() *Stats {
	return &Stats{
		Outcomes:   make(map[string]uint64),
		Dispatches: make(map[string]uint64),
		Phases:     make(map[string]uint64),
	}
}

// Func counts one hook invocation.
func (s *Stats) Func(ctx hooking.HookCtx) {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch ctx.Pos {
	case tlp.HookPosTLPDone:
		tr := ctx.Item.(tlp.Transaction)
		s.Transactions++
		s.Outcomes[tr.Result.Outcome.String()]++
	case link.HookPosTrainAttempt:
		s.TrainAttempts++
	case link.HookPosTrainExhausted:
		s.TrainExhausted++
	case irq.HookPosDispatch:
		r := ctx.Item.(irq.DispatchReport)
		s.Dispatches[r.Line.String()]++

		for _, p := range r.Fired {
			s.Phases[p]++
		}

		s.Recent = append(s.Recent, r)
		if len(s.Recent) > recentReports {
			s.Recent = s.Recent[len(s.Recent)-recentReports:]
		}
	}
}

// Snapshot returns a copy that is safe to serialize.
func (s *Stats) Snapshot() *Stats {
	s.lock.Lock()
	defer s.lock.Unlock()

	return &Stats{
		Transactions:   s.Transactions,
		Outcomes:       maps.Clone(s.Outcomes),
		TrainAttempts:  s.TrainAttempts,
		TrainExhausted: s.TrainExhausted,
		Dispatches:     maps.Clone(s.Dispatches),
		Phases:         maps.Clone(s.Phases),
		Recent:         append([]irq.DispatchReport(nil), s.Recent...),
	}
}
