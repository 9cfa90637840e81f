package timing

import "sync/atomic"

var eventIDCounter atomic.Uint64

func nextEventID() uint64 {
	return eventIDCounter.Add(1)
}
