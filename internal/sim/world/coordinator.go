// Package world implements the environment coordinator: the sole writer
// of authoritative world state, the simulation clock, and the owner of
// agent lifecycles.
package world

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"ecosim.dev/internal/bus"
	"ecosim.dev/internal/protocol"
	"ecosim.dev/internal/sim/params"
	"ecosim.dev/internal/sim/store"
	"ecosim.dev/internal/sim/supervisor"
)

type ctrlKind int

const (
	ctrlStart ctrlKind = iota + 1
	ctrlStop
	ctrlSpawn
	ctrlSetParam
	ctrlIntroduceFood
	ctrlRegistered
)

type ctrlReq struct {
	kind ctrlKind

	spawnKind string
	pos       *[2]int
	name      string
	value     float64
	amount    int
	agentID   uint64

	resp chan ctrlResp
}

type ctrlResp struct {
	agentID uint64
	queued  bool
	err     error
	// wait resolves when the spawned process registers (nil) or fails to
	// start (the startup fault).
	wait <-chan error
}

type foodReq struct {
	x, y   int
	amount int
}

type Coordinator struct {
	cfg    Config
	log    *log.Logger
	store  *store.Store
	bus    *bus.Bus
	procs  ProcessManager
	params params.Params
	rng    *rand.Rand

	state atomic.Int32
	tick  uint64

	nextID  uint64
	nextSeq map[uint64]uint64
	// registered marks agents whose process completed the HELLO handshake.
	registered map[uint64]bool

	// Applied at the next tick boundary.
	pendingFood    []foodReq
	pendingRemoval []uint64
	pendingDrought bool
	pendingEvents  []protocol.WorldEvent

	spawnWaiters map[uint64]chan error

	ctrl      chan ctrlReq
	droughtCh chan struct{}
	stopLoop  chan struct{}

	subsMu sync.Mutex
	subs   map[string]chan []byte

	sinks []TickSink
}

func New(cfg Config, st *store.Store, b *bus.Bus, procs ProcessManager, sinks ...TickSink) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Coordinator{
		cfg:          cfg,
		log:          logger,
		store:        st,
		bus:          b,
		procs:        procs,
		params:       cfg.Params,
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		nextSeq:      make(map[uint64]uint64),
		registered:   make(map[uint64]bool),
		spawnWaiters: make(map[uint64]chan error),
		ctrl:         make(chan ctrlReq),
		droughtCh:    make(chan struct{}, 1),
		stopLoop:     make(chan struct{}),
		subs:         make(map[string]chan []byte),
	}
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) CurrentTick() uint64 { return c.store.Snapshot().Tick }

func (c *Coordinator) WorldParams() protocol.WorldParams {
	return protocol.WorldParams{
		Width:          c.cfg.Params.GridWidth,
		Height:         c.cfg.Params.GridHeight,
		TickIntervalMs: c.cfg.Params.TickIntervalMs,
		SenseRadius:    c.cfg.Params.SenseRadius,
		Seed:           c.cfg.Seed,
	}
}

// Run drives the coordinator until the context ends. All state mutation
// happens on this goroutine; control and transport goroutines only post
// requests.
func (c *Coordinator) Run(ctx context.Context) error {
	var ticker *time.Ticker
	var tickC <-chan time.Time
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tickC = nil
		}
	}
	defer stopTicker()

	var droughtTimer *time.Timer
	defer func() {
		if droughtTimer != nil {
			droughtTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-c.stopLoop:
			c.shutdown()
			return nil
		case req := <-c.ctrl:
			resp := c.handleCtrl(req)
			if req.kind == ctrlStart && resp.err == nil {
				ticker = time.NewTicker(time.Duration(c.params.TickIntervalMs) * time.Millisecond)
				tickC = ticker.C
				droughtTimer = c.scheduleDrought()
			}
			if req.kind == ctrlStop && resp.err == nil {
				stopTicker()
				c.drainStop(ctx)
			}
			if req.resp != nil {
				req.resp <- resp
			}
		case ev := <-c.procs.Events():
			c.handleProcEvent(ev)
		case <-c.droughtCh:
			c.pendingDrought = true
			droughtTimer = c.scheduleDrought()
		case <-tickC:
			c.step(c.bus.DrainAll())
		}
	}
}

// Close ends the Run loop (used by envd on signal). Stop is the
// simulation-level transition; Close tears the goroutine down.
func (c *Coordinator) Close() {
	select {
	case <-c.stopLoop:
	default:
		close(c.stopLoop)
	}
}

// --- control surface (called from transport goroutines) ---

func (c *Coordinator) post(req ctrlReq) ctrlResp {
	req.resp = make(chan ctrlResp, 1)
	select {
	case c.ctrl <- req:
	case <-c.stopLoop:
		return ctrlResp{err: Faultf(protocol.ErrControl, "coordinator is shut down")}
	}
	return <-req.resp
}

func (c *Coordinator) Start() error {
	return c.post(ctrlReq{kind: ctrlStart}).err
}

func (c *Coordinator) StopSim() error {
	return c.post(ctrlReq{kind: ctrlStop}).err
}

// SpawnAgent accepts a spawn command and waits for the agent process to
// register, so a startup fault is surfaced to the caller.
func (c *Coordinator) SpawnAgent(kind string, pos *[2]int) (uint64, error) {
	resp := c.post(ctrlReq{kind: ctrlSpawn, spawnKind: kind, pos: pos})
	if resp.err != nil {
		return 0, resp.err
	}
	if resp.queued || resp.wait == nil {
		return resp.agentID, nil
	}
	select {
	case err := <-resp.wait:
		if err != nil {
			return 0, err
		}
	case <-time.After(2 * time.Duration(c.cfg.Params.RegisterTimeoutMs) * time.Millisecond):
		// Registration outcome will be handled by the loop either way.
	}
	return resp.agentID, nil
}

func (c *Coordinator) SetParameter(name string, value float64) error {
	return c.post(ctrlReq{kind: ctrlSetParam, name: name, value: value}).err
}

func (c *Coordinator) IntroduceFood(pos [2]int, amount int) error {
	return c.post(ctrlReq{kind: ctrlIntroduceFood, pos: &pos, amount: amount}).err
}

// AgentRegistered is called by the agent transport after a HELLO
// handshake and bus registration succeed.
func (c *Coordinator) AgentRegistered(id uint64) error {
	return c.post(ctrlReq{kind: ctrlRegistered, agentID: id}).err
}

// Subscribe attaches a control client to the snapshot stream.
func (c *Coordinator) Subscribe(id string) <-chan []byte {
	ch := make(chan []byte, 8)
	c.subsMu.Lock()
	c.subs[id] = ch
	c.subsMu.Unlock()
	return ch
}

func (c *Coordinator) Unsubscribe(id string) {
	c.subsMu.Lock()
	if ch, ok := c.subs[id]; ok {
		close(ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()
}

// --- loop-side handlers ---

func (c *Coordinator) handleCtrl(req ctrlReq) ctrlResp {
	switch req.kind {
	case ctrlStart:
		return ctrlResp{err: c.start()}
	case ctrlStop:
		return ctrlResp{err: c.beginStop()}
	case ctrlSpawn:
		return c.spawnAgent(req.spawnKind, req.pos)
	case ctrlSetParam:
		return ctrlResp{err: c.setParameter(req.name, req.value)}
	case ctrlIntroduceFood:
		return ctrlResp{err: c.introduceFood(req.pos, req.amount)}
	case ctrlRegistered:
		return ctrlResp{err: c.agentRegistered(req.agentID)}
	}
	return ctrlResp{err: Faultf(protocol.ErrControl, "unknown control request")}
}

func (c *Coordinator) start() error {
	if State(c.state.Load()) != StateIdle {
		return Faultf(protocol.ErrControl, "cannot start in state %s", c.State())
	}
	c.state.Store(int32(StateRunning))
	c.log.Printf("simulation running (grid %dx%d, tick %dms)",
		c.params.GridWidth, c.params.GridHeight, c.params.TickIntervalMs)
	return nil
}

func (c *Coordinator) beginStop() error {
	if State(c.state.Load()) != StateRunning {
		return Faultf(protocol.ErrControl, "cannot stop in state %s", c.State())
	}
	c.state.Store(int32(StateStopping))
	return nil
}

// drainStop runs the Stopping phase: signal every agent, give the grace
// period, then force-kill leftovers and transition to Stopped.
func (c *Coordinator) drainStop(ctx context.Context) {
	term, _ := encodeMessage(protocol.TerminateMsg{
		Type:            protocol.TypeTerminate,
		ProtocolVersion: protocol.Version,
		Reason:          "simulation stopping",
	})
	for _, id := range c.bus.AgentIDs() {
		_ = c.bus.Publish(id, term)
		c.procs.Terminate(id)
	}

	grace := time.Duration(c.params.ShutdownGraceMs) * time.Millisecond
	deadline := time.Now().Add(grace)
	for len(c.registered) > 0 && time.Now().Before(deadline) {
		select {
		case ev := <-c.procs.Events():
			c.handleProcEvent(ev)
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			deadline = time.Now()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	c.procs.Shutdown(shutdownCtx)

	// Reap every remaining record; Stopped worlds hold no live agents.
	snap := c.store.Snapshot()
	d := store.Delta{}
	for _, rec := range snap.Agents {
		d.Removed = append(d.Removed, rec.ID)
		c.forgetAgent(rec.ID)
	}
	c.tick++
	if err := c.store.Apply(c.tick, d); err != nil {
		c.log.Printf("%s: final reap: %v", protocol.ErrContention, err)
	}

	c.state.Store(int32(StateStopped))
	c.log.Printf("simulation stopped at tick %d", c.tick)
	for _, s := range c.sinks {
		s.RunEnded(c.tick)
	}
}

func (c *Coordinator) shutdown() {
	if State(c.state.Load()) == StateRunning {
		c.state.Store(int32(StateStopping))
	}
	if State(c.state.Load()) != StateStopped {
		c.drainStop(context.Background())
	}
}

func (c *Coordinator) spawnAgent(kind string, pos *[2]int) ctrlResp {
	switch State(c.state.Load()) {
	case StateStopping, StateStopped:
		return ctrlResp{err: Faultf(protocol.ErrControl, "cannot spawn in state %s", c.State())}
	}
	if !protocol.ValidKind(kind) {
		return ctrlResp{err: Faultf(protocol.ErrValidation, "unknown kind %q", kind)}
	}

	snap := c.store.Snapshot()
	var x, y int
	if pos != nil {
		x, y = pos[0], pos[1]
		if !snap.Grid.InBounds(x, y) {
			return ctrlResp{err: Faultf(protocol.ErrValidation, "position (%d,%d) out of bounds", x, y)}
		}
	} else {
		var ok bool
		x, y, ok = c.randomFreeCell(snap)
		if !ok {
			return ctrlResp{err: Faultf(protocol.ErrValidation, "no free cell for spawn")}
		}
	}

	c.nextID++
	id := c.nextID
	rec := store.AgentRecord{ID: id, Kind: kind, X: x, Y: y, Energy: c.params.InitialEnergy, Alive: true}
	c.tick0Upsert(rec)
	c.nextSeq[id] = 1

	queued, err := c.procs.Spawn(supervisor.SpawnSpec{ID: id, Kind: kind, X: x, Y: y, Energy: rec.Energy})
	if err != nil {
		c.rollbackSpawn(id)
		return ctrlResp{err: Faultf(protocol.ErrStartup, "spawn agent %d: %v", id, err)}
	}
	c.pendingEvents = append(c.pendingEvents, protocol.WorldEvent{Type: "SPAWNED", AgentID: id, Kind: kind})
	if queued {
		return ctrlResp{agentID: id, queued: true}
	}
	wait := make(chan error, 1)
	c.spawnWaiters[id] = wait
	return ctrlResp{agentID: id, wait: wait}
}

// tick0Upsert writes a record outside the tick cadence (spawn accepted
// between ticks). The store version still moves atomically.
func (c *Coordinator) tick0Upsert(rec store.AgentRecord) {
	if err := c.store.Apply(c.tick, store.Delta{Upserts: []store.AgentRecord{rec}}); err != nil {
		c.log.Printf("%s: upsert agent %d: %v", protocol.ErrContention, rec.ID, err)
	}
}

func (c *Coordinator) rollbackSpawn(id uint64) {
	if err := c.store.Apply(c.tick, store.Delta{Removed: []uint64{id}}); err != nil {
		c.log.Printf("%s: rollback agent %d: %v", protocol.ErrContention, id, err)
	}
	c.forgetAgent(id)
}

func (c *Coordinator) forgetAgent(id uint64) {
	delete(c.nextSeq, id)
	delete(c.registered, id)
	if w, ok := c.spawnWaiters[id]; ok {
		w <- Faultf(protocol.ErrStartup, "agent %d gone before registering", id)
		delete(c.spawnWaiters, id)
	}
	c.bus.Deregister(id)
}

func (c *Coordinator) setParameter(name string, value float64) error {
	switch State(c.state.Load()) {
	case StateStopped:
		return Faultf(protocol.ErrControl, "cannot set parameters in state %s", c.State())
	}
	if err := c.params.Set(name, value); err != nil {
		return Faultf(protocol.ErrValidation, "set %s: %v", name, err)
	}
	c.log.Printf("parameter %s = %v", name, value)
	return nil
}

func (c *Coordinator) introduceFood(pos *[2]int, amount int) error {
	switch State(c.state.Load()) {
	case StateStopping, StateStopped:
		return Faultf(protocol.ErrControl, "cannot introduce food in state %s", c.State())
	}
	if pos == nil || amount <= 0 {
		return Faultf(protocol.ErrValidation, "introduce food: position and positive amount required")
	}
	snap := c.store.Snapshot()
	if !snap.Grid.InBounds(pos[0], pos[1]) {
		return Faultf(protocol.ErrValidation, "position (%d,%d) out of bounds", pos[0], pos[1])
	}
	c.pendingFood = append(c.pendingFood, foodReq{x: pos[0], y: pos[1], amount: amount})
	if State(c.state.Load()) == StateIdle {
		// No tick will flush it; apply directly.
		c.flushPendingFoodIdle(snap)
	}
	return nil
}

func (c *Coordinator) flushPendingFoodIdle(snap store.Snapshot) {
	d := store.Delta{}
	for _, f := range c.pendingFood {
		food := snap.Grid.At(f.x, f.y) + f.amount
		if food > c.params.GrassCellCap {
			food = c.params.GrassCellCap
		}
		snap.Grid.Set(f.x, f.y, food)
		d.Cells = append(d.Cells, store.CellDelta{X: f.x, Y: f.y, Food: food})
	}
	c.pendingFood = nil
	if err := c.store.Apply(c.tick, d); err != nil {
		c.log.Printf("%s: introduce food: %v", protocol.ErrContention, err)
	}
}

func (c *Coordinator) agentRegistered(id uint64) error {
	rec, ok := c.store.Agent(id)
	if !ok || !rec.Alive {
		return Faultf(protocol.ErrStartup, "agent %d is not spawnable", id)
	}
	if !c.procs.MarkRegistered(id) {
		return Faultf(protocol.ErrStartup, "agent %d has no spawned process", id)
	}
	c.registered[id] = true
	if w, ok := c.spawnWaiters[id]; ok {
		w <- nil
		delete(c.spawnWaiters, id)
	}
	c.log.Printf("agent=%d registered", id)
	return nil
}

func (c *Coordinator) handleProcEvent(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventStartupTimeout:
		c.log.Printf("%s: agent=%d failed to register; rolling back", protocol.ErrStartup, ev.ID)
		c.procs.Reap(ev.ID)
		c.rollbackSpawn(ev.ID)
	case supervisor.EventExited:
		if ev.Expected {
			c.procs.Reap(ev.ID)
			c.forgetAgent(ev.ID)
			return
		}
		// Unexpected exit is treated like a missed-deadline timeout.
		c.log.Printf("%s: agent=%d exited unexpectedly (code %d)", protocol.ErrUnresponsive, ev.ID, ev.ExitCode)
		c.procs.Reap(ev.ID)
		c.reapDead(ev.ID)
	}
}

// reapDead marks an agent dead and schedules removal of the record.
func (c *Coordinator) reapDead(id uint64) {
	rec, ok := c.store.Agent(id)
	if ok {
		rec.Alive = false
		rec.Energy = 0
		if err := c.store.Apply(c.tick, store.Delta{Upserts: []store.AgentRecord{rec}}); err != nil {
			c.log.Printf("%s: reap agent %d: %v", protocol.ErrContention, id, err)
		}
	}
	c.pendingRemoval = append(c.pendingRemoval, id)
	c.pendingEvents = append(c.pendingEvents, protocol.WorldEvent{Type: "TERMINATED", AgentID: id, Kind: rec.Kind})
	c.forgetAgent(id)
}

func (c *Coordinator) scheduleDrought() *time.Timer {
	if c.params.DroughtMaxSec <= 0 {
		return nil
	}
	span := c.params.DroughtMaxSec - c.params.DroughtMinSec
	delay := time.Duration(c.params.DroughtMinSec) * time.Second
	if span > 0 {
		delay += time.Duration(c.rng.Intn(span+1)) * time.Second
	}
	return time.AfterFunc(delay, func() {
		select {
		case c.droughtCh <- struct{}{}:
		default:
		}
	})
}

func (c *Coordinator) randomFreeCell(snap store.Snapshot) (int, int, bool) {
	occupied := make(map[[2]int]bool, len(snap.Agents))
	for _, a := range snap.Agents {
		if a.Alive {
			occupied[[2]int{a.X, a.Y}] = true
		}
	}
	w, h := snap.Grid.Width, snap.Grid.Height
	for attempt := 0; attempt < 64; attempt++ {
		x, y := c.rng.Intn(w), c.rng.Intn(h)
		if !occupied[[2]int{x, y}] {
			return x, y, true
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !occupied[[2]int{x, y}] {
				return x, y, true
			}
		}
	}
	return 0, 0, false
}
