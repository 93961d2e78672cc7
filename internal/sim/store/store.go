// Package store implements the shared world state: the food grid and the
// directory of live agents. It is single-writer (the environment
// coordinator) and concurrently readable by every other component.
//
// Readers never observe a partially applied tick. The version counter is
// odd while a mutation is in progress; Snapshot checks it before and
// after the copy and retries a torn read.
package store

import (
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrContention is returned when the exclusive section cannot be acquired
// within the configured timeout.
var ErrContention = errors.New("world store: exclusive section unavailable")

type AgentRecord struct {
	ID     uint64
	Kind   string
	X, Y   int
	Energy int
	Alive  bool
}

// Grid is a row-major food-density field. Densities are never negative.
type Grid struct {
	Width  int
	Height int
	Food   []int
}

func NewGrid(w, h int) Grid {
	return Grid{Width: w, Height: h, Food: make([]int, w*h)}
}

func (g Grid) At(x, y int) int      { return g.Food[y*g.Width+x] }
func (g *Grid) Set(x, y, food int)  { g.Food[y*g.Width+x] = food }
func (g Grid) InBounds(x, y int) bool {
	return x >= 0 && x < g.Width && y >= 0 && y < g.Height
}

func (g Grid) clone() Grid {
	food := make([]int, len(g.Food))
	copy(food, g.Food)
	return Grid{Width: g.Width, Height: g.Height, Food: food}
}

// CellDelta sets the absolute food density of one cell.
type CellDelta struct {
	X, Y int
	Food int
}

// Delta is the full set of mutations from one tick, applied atomically.
type Delta struct {
	Cells   []CellDelta
	Upserts []AgentRecord
	Removed []uint64
	Drought *bool
}

// Snapshot is a self-consistent copy of the store taken at one version.
type Snapshot struct {
	Version uint64
	Tick    uint64
	Drought bool
	Grid    Grid
	Agents  []AgentRecord // ascending ID
}

type Store struct {
	// writeSlot is the exclusive section. Capacity 1; held for the
	// duration of an Apply.
	writeSlot chan struct{}

	// version is odd while a write is in progress.
	version atomic.Uint64

	mu      sync.RWMutex
	tick    uint64
	drought bool
	grid    Grid
	agents  map[uint64]AgentRecord

	applyTimeout time.Duration
}

func New(width, height int, applyTimeout time.Duration) *Store {
	if applyTimeout <= 0 {
		applyTimeout = 250 * time.Millisecond
	}
	s := &Store{
		writeSlot:    make(chan struct{}, 1),
		grid:         NewGrid(width, height),
		agents:       make(map[uint64]AgentRecord),
		applyTimeout: applyTimeout,
	}
	s.writeSlot <- struct{}{}
	return s
}

// Snapshot returns a consistent copy of the world. Readers do not block
// each other; a read that races a write is retried.
func (s *Store) Snapshot() Snapshot {
	for {
		v1 := s.version.Load()
		if v1&1 == 1 {
			runtime.Gosched()
			continue
		}
		s.mu.RLock()
		snap := Snapshot{
			Version: v1,
			Tick:    s.tick,
			Drought: s.drought,
			Grid:    s.grid.clone(),
			Agents:  s.agentList(),
		}
		s.mu.RUnlock()
		if s.version.Load() == v1 {
			return snap
		}
	}
}

// Agent returns the record for one agent, if present.
func (s *Store) Agent(id uint64) (AgentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[id]
	return rec, ok
}

// Version returns the current snapshot version.
func (s *Store) Version() uint64 { return s.version.Load() }

// Apply atomically installs one tick's mutations. Only the environment
// coordinator calls this. If the exclusive section is not free within the
// timeout, nothing is applied and ErrContention is returned.
func (s *Store) Apply(tick uint64, d Delta) error {
	timer := time.NewTimer(s.applyTimeout)
	defer timer.Stop()
	select {
	case <-s.writeSlot:
	case <-timer.C:
		return ErrContention
	}
	defer func() { s.writeSlot <- struct{}{} }()

	s.version.Add(1) // odd: write in progress
	s.mu.Lock()
	s.tick = tick
	if d.Drought != nil {
		s.drought = *d.Drought
	}
	for _, c := range d.Cells {
		if !s.grid.InBounds(c.X, c.Y) {
			continue
		}
		food := c.Food
		if food < 0 {
			food = 0
		}
		s.grid.Set(c.X, c.Y, food)
	}
	for _, rec := range d.Upserts {
		s.agents[rec.ID] = rec
	}
	for _, id := range d.Removed {
		delete(s.agents, id)
	}
	s.mu.Unlock()
	s.version.Add(1) // even: write complete
	return nil
}

func (s *Store) agentList() []AgentRecord {
	out := make([]AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// holdExclusive grabs the write slot for tests exercising the contention
// path. The returned func releases it.
func (s *Store) holdExclusive() (release func(), ok bool) {
	select {
	case <-s.writeSlot:
		return func() { s.writeSlot <- struct{}{} }, true
	default:
		return nil, false
	}
}
