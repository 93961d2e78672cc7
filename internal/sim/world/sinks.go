package world

import "ecosim.dev/internal/sim/store"

// Summary is the per-tick digest handed to observers (telemetry, the
// run log). It is built after the tick's delta has been applied.
type Summary struct {
	Tick       uint64
	Agents     []store.AgentRecord
	Births     int
	Deaths     int
	Kills      int
	Faults     int
	StepMillis float64
}

// TickSink receives tick summaries. Implementations must not block; the
// coordinator calls them on the tick goroutine.
type TickSink interface {
	ObserveTick(Summary)
	RunEnded(finalTick uint64)
}
