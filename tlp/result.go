package tlp

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means the transaction unit reported an error while the
	// engine waited for the completion.
	ErrTimeout = errors.New("tlp: transaction timeout")

	// ErrCompletion means the completion arrived but its data or status code
	// did not match a successful completion.
	ErrCompletion = errors.New("tlp: completion error")

	// ErrPollBound means a status poll exhausted its spin bound or its
	// context. It wraps ErrTimeout.
	ErrPollBound = fmt.Errorf("%w: poll bound exceeded", ErrTimeout)

	// ErrByteEnables means a descriptor carried an empty or oversized
	// byte-enable mask.
	ErrByteEnables = errors.New("tlp: invalid byte enables")

	// ErrLength means a descriptor carried a length other than 0x20.
	ErrLength = errors.New("tlp: invalid length")
)

// Outcome classifies a finished transaction.
type Outcome uint8

// Outcomes. The zero Outcome means no transaction reached the hardware.
const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeTimeout
	OutcomeCompletionError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCompletionError:
		return "completion-error"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// Result codes as seen by the NVMe command engine.
const (
	CodeTimeout         uint8 = 0xFE
	CodeCompletionError uint8 = 0xFF
)

// ExpectedCplCode is the completion status code of a successful completion.
const ExpectedCplCode uint8 = 0x04

// Result is the outcome of one transaction. Speed is the link speed field
// for successful reads and zero otherwise.
type Result struct {
	Outcome Outcome
	Speed   uint8
}

// Code returns the single-byte result: the speed (0 for writes) on success,
// 0xFE on timeout and 0xFF on a completion error. A Result with no outcome
// has code 0 and is not OK.
func (r Result) Code() uint8 {
	switch r.Outcome {
	case OutcomeTimeout:
		return CodeTimeout
	case OutcomeCompletionError:
		return CodeCompletionError
	default:
		return r.Speed
	}
}

// OK reports whether the transaction succeeded.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

func success(speed uint8) Result {
	return Result{Outcome: OutcomeSuccess, Speed: speed}
}

var (
	timeoutResult    = Result{Outcome: OutcomeTimeout}
	completionResult = Result{Outcome: OutcomeCompletionError}
)

// ResultOf maps an error returned by the engine to its Result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return success(0)
	case errors.Is(err, ErrCompletion):
		return completionResult
	case errors.Is(err, ErrByteEnables), errors.Is(err, ErrLength):
		return Result{}
	default:
		return timeoutResult
	}
}
