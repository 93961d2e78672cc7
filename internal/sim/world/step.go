package world

import (
	"encoding/json"
	"sort"
	"time"

	"ecosim.dev/internal/protocol"
	"ecosim.dev/internal/sim/store"
	"ecosim.dev/internal/sim/supervisor"
)

// workState is the coordinator's working copy for one tick. All rules
// mutate it; the result is installed with a single store.Apply.
type workState struct {
	grid    store.Grid
	agents  map[uint64]*store.AgentRecord
	order   []uint64 // ascending IDs, the only cross-agent ordering
	touched map[[2]int]bool
	deaths  []uint64
	births  []store.AgentRecord
	kills   int
}

func (w *workState) occupied(x, y int) *store.AgentRecord {
	for _, id := range w.order {
		a := w.agents[id]
		if a.Alive && a.X == x && a.Y == y {
			return a
		}
	}
	return nil
}

func (w *workState) touch(x, y int) { w.touched[[2]int{x, y}] = true }

// step applies one tick: drain results from the bus have already been
// collected by the caller; this validates them, applies deltas
// atomically, ages and reaps, regrows, and publishes the new snapshot.
func (c *Coordinator) step(actions map[uint64][]protocol.ActMsg) {
	if State(c.state.Load()) != StateRunning {
		return
	}
	started := time.Now()
	c.tick++
	t := c.tick

	snap := c.store.Snapshot()
	ws := &workState{
		grid:    snap.Grid,
		agents:  make(map[uint64]*store.AgentRecord, len(snap.Agents)),
		touched: make(map[[2]int]bool),
	}
	for i := range snap.Agents {
		rec := snap.Agents[i]
		ws.agents[rec.ID] = &rec
		ws.order = append(ws.order, rec.ID)
	}

	removed := c.pendingRemoval
	c.pendingRemoval = nil
	for _, id := range removed {
		delete(ws.agents, id)
	}
	ws.order = ws.order[:0]
	for id := range ws.agents {
		ws.order = append(ws.order, id)
	}
	sort.Slice(ws.order, func(i, j int) bool { return ws.order[i] < ws.order[j] })

	c.applyFood(ws)
	faults := c.applyActions(ws, actions)
	c.noteDeadlines(ws, actions)
	c.age(ws)
	if c.pendingDrought {
		c.applyDrought(ws)
		c.pendingDrought = false
		c.pendingEvents = append(c.pendingEvents, protocol.WorldEvent{Type: "DROUGHT"})
	}
	c.regrow(ws, t)

	// Assemble the delta. Every mutation from this tick lands at once.
	d := store.Delta{Removed: removed}
	droughtFlag := false
	for _, ev := range c.pendingEvents {
		if ev.Type == "DROUGHT" {
			droughtFlag = true
		}
	}
	if droughtFlag != snap.Drought {
		d.Drought = &droughtFlag
	}
	for cell := range ws.touched {
		d.Cells = append(d.Cells, store.CellDelta{X: cell[0], Y: cell[1], Food: ws.grid.At(cell[0], cell[1])})
	}
	for _, id := range ws.order {
		d.Upserts = append(d.Upserts, *ws.agents[id])
	}
	d.Upserts = append(d.Upserts, ws.births...)

	if err := c.store.Apply(t, d); err != nil {
		// Availability over strict fairness: the tick proceeds, the
		// mutations are dropped, and the world keeps its prior state.
		c.log.Printf("%s: tick %d apply: %v", protocol.ErrContention, t, err)
		faults++
	} else {
		c.afterApply(ws)
	}

	c.publish(t)
	summary := Summary{
		Tick:       t,
		Agents:     c.store.Snapshot().Agents,
		Births:     len(ws.births),
		Deaths:     len(ws.deaths),
		Kills:      ws.kills,
		Faults:     faults,
		StepMillis: float64(time.Since(started).Microseconds()) / 1000.0,
	}
	for _, s := range c.sinks {
		s.ObserveTick(summary)
	}
}

// applyActions validates and applies this tick's ActionEvents in
// ascending agent-ID order; within one agent, in send order.
func (c *Coordinator) applyActions(ws *workState, actions map[uint64][]protocol.ActMsg) (faults int) {
	preyClaimed := make(map[uint64]bool)
	for _, id := range ws.order {
		rec := ws.agents[id]
		for _, act := range actions[id] {
			if !rec.Alive {
				break
			}
			want := c.nextSeq[id]
			if act.Seq != want {
				// Duplicate or reordered delivery from an IPC retry.
				c.log.Printf("%s: agent=%d seq=%d want=%d action=%s dropped", protocol.ErrValidation, id, act.Seq, want, act.Action)
				faults++
				continue
			}
			c.nextSeq[id] = want + 1
			if err := c.applyOne(ws, rec, act, preyClaimed); err != nil {
				c.log.Printf("%s: agent=%d %s: %v", protocol.ErrValidation, id, act.Action, err)
				faults++
			}
		}
	}
	return faults
}

func (c *Coordinator) applyOne(ws *workState, rec *store.AgentRecord, act protocol.ActMsg, preyClaimed map[uint64]bool) error {
	switch act.Action {
	case protocol.ActionMove:
		return c.applyMove(ws, rec, act.Dir)
	case protocol.ActionEat:
		return c.applyEat(ws, rec, preyClaimed)
	case protocol.ActionReproduce:
		return c.applyReproduce(ws, rec)
	case protocol.ActionDie:
		rec.Alive = false
		rec.Energy = 0
		ws.deaths = append(ws.deaths, rec.ID)
		return nil
	}
	return Faultf(protocol.ErrValidation, "unknown action %q", act.Action)
}

func (c *Coordinator) applyMove(ws *workState, rec *store.AgentRecord, dir [2]int) error {
	if dir[0] < -1 || dir[0] > 1 || dir[1] < -1 || dir[1] > 1 {
		return Faultf(protocol.ErrValidation, "direction %v out of range", dir)
	}
	nx, ny := rec.X+dir[0], rec.Y+dir[1]
	if !ws.grid.InBounds(nx, ny) {
		return Faultf(protocol.ErrValidation, "move to (%d,%d) out of bounds", nx, ny)
	}
	if occ := ws.occupied(nx, ny); occ != nil && occ.ID != rec.ID {
		// A predator may step onto a prey's cell; anything else loses the
		// contest (ascending-ID application makes this deterministic).
		if !(rec.Kind == protocol.KindPredator && occ.Kind == protocol.KindPrey) {
			return nil
		}
	}
	rec.X, rec.Y = nx, ny
	return nil
}

func (c *Coordinator) applyEat(ws *workState, rec *store.AgentRecord, preyClaimed map[uint64]bool) error {
	if rec.Kind == protocol.KindPrey {
		food := ws.grid.At(rec.X, rec.Y)
		if food <= 0 {
			return Faultf(protocol.ErrValidation, "no food at (%d,%d)", rec.X, rec.Y)
		}
		bite := c.params.GrassBite
		if bite > food {
			bite = food
		}
		ws.grid.Set(rec.X, rec.Y, food-bite)
		ws.touch(rec.X, rec.Y)
		c.gainEnergy(rec, bite)
		return nil
	}

	// Predator: claim a co-located prey. Ascending-ID application order
	// means the lowest predator ID wins a contested prey.
	var prey *store.AgentRecord
	for _, id := range ws.order {
		p := ws.agents[id]
		if p.Alive && p.Kind == protocol.KindPrey && p.X == rec.X && p.Y == rec.Y && !preyClaimed[p.ID] {
			prey = p
			break
		}
	}
	if prey == nil {
		return Faultf(protocol.ErrValidation, "no prey at (%d,%d)", rec.X, rec.Y)
	}
	preyClaimed[prey.ID] = true
	bite := c.params.PredationBite
	if bite > prey.Energy {
		bite = prey.Energy
	}
	prey.Energy -= bite
	c.gainEnergy(rec, bite)
	ws.kills++
	if prey.Energy <= 0 {
		prey.Alive = false
		prey.Energy = 0
		ws.deaths = append(ws.deaths, prey.ID)
	}
	return nil
}

func (c *Coordinator) applyReproduce(ws *workState, rec *store.AgentRecord) error {
	r := c.params.ReproThreshold(rec.Kind)
	if rec.Energy < r {
		return Faultf(protocol.ErrValidation, "energy %d below threshold %d", rec.Energy, r)
	}
	nx, ny, ok := adjacentFree(ws, rec.X, rec.Y)
	if !ok {
		// No free cell: a no-op, energy unchanged.
		return nil
	}
	parentAfter := rec.Energy / 2
	childEnergy := rec.Energy - parentAfter
	rec.Energy = parentAfter

	c.nextID++
	child := store.AgentRecord{ID: c.nextID, Kind: rec.Kind, X: nx, Y: ny, Energy: childEnergy, Alive: true}
	ws.births = append(ws.births, child)
	return nil
}

// adjacentFree scans the four neighbors in a fixed order so reproduction
// placement is deterministic.
func adjacentFree(ws *workState, x, y int) (int, int, bool) {
	dirs := [4][2]int{{0, -1}, {1, 0}, {0, 1}, {-1, 0}}
	for _, d := range dirs {
		nx, ny := x+d[0], y+d[1]
		if !ws.grid.InBounds(nx, ny) {
			continue
		}
		if ws.occupied(nx, ny) != nil {
			continue
		}
		if birthAt(ws, nx, ny) {
			continue
		}
		return nx, ny, true
	}
	return 0, 0, false
}

func birthAt(ws *workState, x, y int) bool {
	for _, b := range ws.births {
		if b.X == x && b.Y == y {
			return true
		}
	}
	return false
}

func (c *Coordinator) gainEnergy(rec *store.AgentRecord, amount int) {
	rec.Energy += amount
	if rec.Energy > c.params.MaxEnergy {
		rec.Energy = c.params.MaxEnergy
	}
}

// noteDeadlines advances the miss counter for every registered agent
// that produced no event this tick, force-reaping past the limit.
func (c *Coordinator) noteDeadlines(ws *workState, actions map[uint64][]protocol.ActMsg) {
	for _, id := range ws.order {
		rec := ws.agents[id]
		if !rec.Alive || !c.registered[id] {
			continue
		}
		if len(actions[id]) > 0 {
			c.procs.ResetMisses(id)
			continue
		}
		if c.procs.NoteMiss(id) >= c.params.MissLimit {
			c.log.Printf("%s: agent=%d missed %d tick deadlines; force-reaping", protocol.ErrUnresponsive, id, c.params.MissLimit)
			c.procs.Kill(id)
			rec.Alive = false
			rec.Energy = 0
			ws.deaths = append(ws.deaths, id)
		}
	}
}

// age applies the hunger drain H to every living agent and reaps records
// that hit zero.
func (c *Coordinator) age(ws *workState) {
	for _, id := range ws.order {
		rec := ws.agents[id]
		if !rec.Alive {
			continue
		}
		rec.Energy -= c.params.Hunger(rec.Kind)
		if rec.Energy <= 0 {
			rec.Energy = 0
			rec.Alive = false
			ws.deaths = append(ws.deaths, id)
		}
	}
}

func (c *Coordinator) applyFood(ws *workState) {
	for _, f := range c.pendingFood {
		food := ws.grid.At(f.x, f.y) + f.amount
		if food > c.params.GrassCellCap {
			food = c.params.GrassCellCap
		}
		ws.grid.Set(f.x, f.y, food)
		ws.touch(f.x, f.y)
	}
	c.pendingFood = nil
}

func (c *Coordinator) applyDrought(ws *workState) {
	for y := 0; y < ws.grid.Height; y++ {
		for x := 0; x < ws.grid.Width; x++ {
			if food := ws.grid.At(x, y); food > 0 {
				ws.grid.Set(x, y, food/2)
				ws.touch(x, y)
			}
		}
	}
	c.log.Printf("drought: grass halved")
}

// regrow raises nonzero cells toward the per-cell cap and periodically
// introduces fresh grass at a random cell.
func (c *Coordinator) regrow(ws *workState, tick uint64) {
	if c.params.GrassRegrow > 0 {
		for y := 0; y < ws.grid.Height; y++ {
			for x := 0; x < ws.grid.Width; x++ {
				food := ws.grid.At(x, y)
				if food <= 0 || food >= c.params.GrassCellCap {
					continue
				}
				food += c.params.GrassRegrow
				if food > c.params.GrassCellCap {
					food = c.params.GrassCellCap
				}
				ws.grid.Set(x, y, food)
				ws.touch(x, y)
			}
		}
	}
	if c.params.GrassIntroEvery > 0 && tick%uint64(c.params.GrassIntroEvery) == 0 && c.params.GrassIntroAmount > 0 {
		x, y := c.rng.Intn(ws.grid.Width), c.rng.Intn(ws.grid.Height)
		food := ws.grid.At(x, y) + c.params.GrassIntroAmount
		if food > c.params.GrassCellCap {
			food = c.params.GrassCellCap
		}
		ws.grid.Set(x, y, food)
		ws.touch(x, y)
	}
}

// afterApply settles process lifecycle for deaths and births now that
// the records are committed.
func (c *Coordinator) afterApply(ws *workState) {
	term, _ := encodeMessage(protocol.TerminateMsg{
		Type:            protocol.TypeTerminate,
		ProtocolVersion: protocol.Version,
		Reason:          "agent died",
	})
	for _, id := range ws.deaths {
		rec := ws.agents[id]
		kind := ""
		if rec != nil {
			kind = rec.Kind
		}
		_ = c.bus.Publish(id, term)
		c.procs.Terminate(id)
		c.pendingRemoval = append(c.pendingRemoval, id)
		c.pendingEvents = append(c.pendingEvents, protocol.WorldEvent{Type: "TERMINATED", AgentID: id, Kind: kind})
		delete(c.nextSeq, id)
		delete(c.registered, id)
	}
	for _, child := range ws.births {
		c.nextSeq[child.ID] = 1
		if _, err := c.procs.Spawn(supervisor.SpawnSpec{ID: child.ID, Kind: child.Kind, X: child.X, Y: child.Y, Energy: child.Energy}); err != nil {
			c.log.Printf("%s: spawn child %d: %v", protocol.ErrStartup, child.ID, err)
			c.rollbackSpawn(child.ID)
			continue
		}
		c.pendingEvents = append(c.pendingEvents, protocol.WorldEvent{Type: "SPAWNED", AgentID: child.ID, Kind: child.Kind})
	}
}

// publish pushes the tick message to each registered agent and the
// snapshot to subscribed control clients.
func (c *Coordinator) publish(tick uint64) {
	snap := c.store.Snapshot()
	events := c.pendingEvents
	c.pendingEvents = nil

	views := make([]protocol.AgentView, 0, len(snap.Agents))
	for _, rec := range snap.Agents {
		views = append(views, agentView(rec))
	}
	gridView := protocol.GridView{Width: snap.Grid.Width, Height: snap.Grid.Height, Food: snap.Grid.Food}

	for _, rec := range snap.Agents {
		if !rec.Alive || !c.registered[rec.ID] {
			continue
		}
		msg := protocol.TickMsg{
			Type:            protocol.TypeTick,
			ProtocolVersion: protocol.Version,
			Tick:            tick,
			Drought:         snap.Drought,
			Params:          c.params.View(),
			Self:            agentView(rec),
			Grid:            gridView,
			Agents:          views,
			Events:          events,
		}
		if b, err := encodeMessage(msg); err == nil {
			_ = c.bus.Publish(rec.ID, b)
		}
	}

	if c.params.SnapshotEveryTicks > 0 && tick%uint64(c.params.SnapshotEveryTicks) == 0 {
		c.publishSnapshot(snap)
	}
}

func (c *Coordinator) publishSnapshot(snap store.Snapshot) {
	views := make([]protocol.AgentView, 0, len(snap.Agents))
	for _, rec := range snap.Agents {
		views = append(views, agentView(rec))
	}
	msg := protocol.SnapshotMsg{
		Type:            protocol.TypeSnapshot,
		ProtocolVersion: protocol.Version,
		Tick:            snap.Tick,
		Drought:         snap.Drought,
		Grid:            protocol.GridView{Width: snap.Grid.Width, Height: snap.Grid.Height, Food: snap.Grid.Food},
		Agents:          views,
		Params:          c.params.View(),
	}
	b, err := encodeMessage(msg)
	if err != nil {
		return
	}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		sendLatest(ch, b)
	}
}

func agentView(rec store.AgentRecord) protocol.AgentView {
	return protocol.AgentView{
		ID:     rec.ID,
		Kind:   rec.Kind,
		Pos:    [2]int{rec.X, rec.Y},
		Energy: rec.Energy,
		Alive:  rec.Alive,
	}
}

func encodeMessage(v any) ([]byte, error) { return json.Marshal(v) }

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
