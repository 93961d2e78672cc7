package world

import (
	"context"
	"log"
	"time"

	"ecosim.dev/internal/sim/params"
	"ecosim.dev/internal/sim/supervisor"
)

// State is the coordinator lifecycle. Stopped is terminal; a fresh
// simulation requires a fresh coordinator.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Config struct {
	Params params.Params
	Seed   int64
	Logger *log.Logger

	// ApplyTimeout bounds the world-store exclusive section.
	ApplyTimeout time.Duration
}

// ProcessManager is the supervisor surface the coordinator drives.
// Satisfied by *supervisor.Supervisor; faked in tests.
type ProcessManager interface {
	Spawn(supervisor.SpawnSpec) (queued bool, err error)
	MarkRegistered(id uint64) bool
	NoteMiss(id uint64) int
	ResetMisses(id uint64)
	Terminate(id uint64)
	Kill(id uint64)
	Reap(id uint64) *supervisor.SpawnSpec
	Shutdown(ctx context.Context)
	Events() <-chan supervisor.Event
}
