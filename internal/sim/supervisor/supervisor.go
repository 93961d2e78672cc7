// Package supervisor owns the OS processes backing agents: spawning one
// process per individual, holding registration deadlines, force-killing
// unresponsive processes, and keeping the live count under a cap with a
// FIFO queue for spawns past it.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

type SpawnSpec struct {
	ID     uint64
	Kind   string
	X, Y   int
	Energy int
}

// ProcState is the typed lifecycle of a supervised process.
type ProcState int

const (
	StateQueued ProcState = iota + 1
	StateSpawned
	StateRegistered
	StateTerminating
)

func (s ProcState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateSpawned:
		return "spawned"
	case StateRegistered:
		return "registered"
	case StateTerminating:
		return "terminating"
	}
	return "unknown"
}

type EventKind int

const (
	// The process exited. Code 0 after Terminate is a clean exit; anything
	// else is reported to the coordinator as an unexpected exit.
	EventExited EventKind = iota + 1
	// The process never registered on the bus within the deadline.
	EventStartupTimeout
)

type Event struct {
	ID       uint64
	Kind     EventKind
	ExitCode int
	Expected bool
}

// Handle abstracts a running process so tests can supervise fakes.
type Handle interface {
	Kill() error
	// Done yields the exit code once; -1 means the code is unknown.
	Done() <-chan int
}

type StartFunc func(spec SpawnSpec) (Handle, error)

type Config struct {
	Start           StartFunc
	MaxProcs        int
	RegisterTimeout time.Duration
	ShutdownGrace   time.Duration
	Logger          *log.Logger
}

type proc struct {
	spec     SpawnSpec
	handle   Handle
	state    ProcState
	misses   int
	regTimer *time.Timer
}

type Supervisor struct {
	cfg Config
	log *log.Logger

	mu    sync.Mutex
	procs map[uint64]*proc
	queue []SpawnSpec

	events chan Event
}

func New(cfg Config) *Supervisor {
	if cfg.MaxProcs <= 0 {
		cfg.MaxProcs = 128
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 2 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		log:    logger,
		procs:  make(map[uint64]*proc),
		events: make(chan Event, 128),
	}
}

// Events is consumed by the coordinator loop.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Spawn starts a process for the spec, or queues it when the cap is
// reached. queued reports which happened.
func (s *Supervisor) Spawn(spec SpawnSpec) (queued bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[spec.ID]; ok {
		return false, fmt.Errorf("supervisor: agent %d already supervised", spec.ID)
	}
	if len(s.procs) >= s.cfg.MaxProcs {
		s.queue = append(s.queue, spec)
		s.log.Printf("spawn queued agent=%d (cap %d reached, queue=%d)", spec.ID, s.cfg.MaxProcs, len(s.queue))
		return true, nil
	}
	return false, s.startLocked(spec)
}

func (s *Supervisor) startLocked(spec SpawnSpec) error {
	h, err := s.cfg.Start(spec)
	if err != nil {
		return fmt.Errorf("supervisor: start agent %d: %w", spec.ID, err)
	}
	p := &proc{spec: spec, handle: h, state: StateSpawned}
	p.regTimer = time.AfterFunc(s.cfg.RegisterTimeout, func() { s.registrationExpired(spec.ID) })
	s.procs[spec.ID] = p
	go s.waitExit(spec.ID, h)
	return nil
}

func (s *Supervisor) waitExit(id uint64, h Handle) {
	code := <-h.Done()
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok || p.handle != h {
		s.mu.Unlock()
		return
	}
	expected := p.state == StateTerminating
	if p.regTimer != nil {
		p.regTimer.Stop()
	}
	s.mu.Unlock()
	s.emit(Event{ID: id, Kind: EventExited, ExitCode: code, Expected: expected})
}

func (s *Supervisor) registrationExpired(id uint64) {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok || p.state != StateSpawned {
		s.mu.Unlock()
		return
	}
	p.state = StateTerminating
	h := p.handle
	s.mu.Unlock()
	s.log.Printf("agent=%d never registered within %s; killing", id, s.cfg.RegisterTimeout)
	_ = h.Kill()
	s.emit(Event{ID: id, Kind: EventStartupTimeout})
}

// MarkRegistered records that the process completed its HELLO handshake
// before the deadline.
func (s *Supervisor) MarkRegistered(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok || p.state != StateSpawned {
		return false
	}
	p.state = StateRegistered
	if p.regTimer != nil {
		p.regTimer.Stop()
	}
	return true
}

// NoteMiss bumps the consecutive missed-deadline counter and returns the
// new count. ResetMisses clears it when an action arrives.
func (s *Supervisor) NoteMiss(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return 0
	}
	p.misses++
	return p.misses
}

func (s *Supervisor) ResetMisses(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[id]; ok {
		p.misses = 0
	}
}

// Terminate begins a cooperative shutdown of one process: the coordinator
// has already sent TERMINATE on the lifecycle channel; if the process is
// still alive after the grace period it is killed.
func (s *Supervisor) Terminate(id uint64) {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok || p.state == StateTerminating {
		s.mu.Unlock()
		return
	}
	p.state = StateTerminating
	if p.regTimer != nil {
		p.regTimer.Stop()
	}
	h := p.handle
	s.mu.Unlock()

	time.AfterFunc(s.cfg.ShutdownGrace, func() {
		s.mu.Lock()
		cur, ok := s.procs[id]
		alive := ok && cur.handle == h
		s.mu.Unlock()
		if alive {
			s.log.Printf("agent=%d did not exit within grace; killing", id)
			_ = h.Kill()
		}
	})
}

// Kill force-terminates immediately (unresponsive agent).
func (s *Supervisor) Kill(id uint64) {
	s.mu.Lock()
	p, ok := s.procs[id]
	if ok {
		p.state = StateTerminating
		if p.regTimer != nil {
			p.regTimer.Stop()
		}
	}
	s.mu.Unlock()
	if ok {
		_ = p.handle.Kill()
	}
}

// Reap removes a terminated process and promotes the next queued spawn,
// if any. The promoted spec is returned so the coordinator can log it.
func (s *Supervisor) Reap(id uint64) (promoted *SpawnSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[id]; !ok {
		return nil
	}
	delete(s.procs, id)
	if len(s.queue) == 0 || len(s.procs) >= s.cfg.MaxProcs {
		return nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	if err := s.startLocked(next); err != nil {
		s.log.Printf("promote queued agent=%d: %v", next.ID, err)
		s.emit(Event{ID: next.ID, Kind: EventStartupTimeout})
		return nil
	}
	return &next
}

func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *Supervisor) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Supervisor) State(id uint64) (ProcState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return 0, false
	}
	return p.state, true
}

// Shutdown waits for every process to exit, killing stragglers when the
// context expires. The coordinator signals TERMINATE on the bus first.
func (s *Supervisor) Shutdown(ctx context.Context) {
	deadline := time.NewTimer(s.cfg.ShutdownGrace)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		n := len(s.procs)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
		case <-deadline.C:
		case <-time.After(20 * time.Millisecond):
			continue
		}
		break
	}

	s.mu.Lock()
	handles := make([]Handle, 0, len(s.procs))
	for _, p := range s.procs {
		p.state = StateTerminating
		handles = append(handles, p.handle)
	}
	s.mu.Unlock()
	for _, h := range handles {
		_ = h.Kill()
	}
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Printf("supervisor event dropped: agent=%d kind=%d", ev.ID, ev.Kind)
	}
}
