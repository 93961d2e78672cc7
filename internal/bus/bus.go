// Package bus carries ActionEvents from agent processes to the
// environment and lifecycle messages back out, without either side
// blocking on the other's liveness.
//
// The action channel is many-writers/one-reader: each agent has a bounded
// inbound queue drained once per tick by the coordinator. The lifecycle
// channel is one-writer/many-readers: each agent has a bounded outbound
// byte queue; under pressure the oldest message is dropped so a stalled
// process never holds up tick progress.
package bus

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"ecosim.dev/internal/protocol"
)

// ErrBackpressure is returned by Send when an agent's inbound queue is at
// depth and the message cannot be coalesced.
var ErrBackpressure = errors.New("bus: queue full")

// ErrNotRegistered is returned for traffic on a queue that does not exist.
var ErrNotRegistered = errors.New("bus: agent not registered")

const DefaultDepth = 16

type Bus struct {
	mu    sync.Mutex
	depth int

	actions   map[uint64][]protocol.ActMsg
	lifecycle map[uint64]chan []byte
}

func New(depth int) *Bus {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Bus{
		depth:     depth,
		actions:   make(map[uint64][]protocol.ActMsg),
		lifecycle: make(map[uint64]chan []byte),
	}
}

// Register creates both queues for an agent. The returned channel is the
// agent's lifecycle stream (TICK, TERMINATE).
func (b *Bus) Register(id uint64) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.lifecycle[id]; ok {
		return nil, fmt.Errorf("bus: agent %d already registered", id)
	}
	out := make(chan []byte, b.depth)
	b.lifecycle[id] = out
	b.actions[id] = nil
	return out, nil
}

// Deregister drops both queues. Pending actions are discarded; the
// lifecycle channel is closed so the transport's writer loop exits.
func (b *Bus) Deregister(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if out, ok := b.lifecycle[id]; ok {
		close(out)
		delete(b.lifecycle, id)
	}
	delete(b.actions, id)
}

func (b *Bus) Registered(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.lifecycle[id]
	return ok
}

// Send enqueues an ActionEvent. At most one MOVE per agent is kept: a new
// MOVE supersedes a queued one rather than consuming depth. Past depth the
// caller gets ErrBackpressure and must drop.
func (b *Bus) Send(act protocol.ActMsg) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.actions[act.AgentID]
	if !ok {
		if _, reg := b.lifecycle[act.AgentID]; !reg {
			return ErrNotRegistered
		}
	}
	if act.Action == protocol.ActionMove {
		for i := len(q) - 1; i >= 0; i-- {
			if q[i].Action == protocol.ActionMove {
				q[i] = act
				b.actions[act.AgentID] = q
				return nil
			}
		}
	}
	if len(q) >= b.depth {
		return ErrBackpressure
	}
	b.actions[act.AgentID] = append(q, act)
	return nil
}

// DrainAll empties every action queue atomically with respect to
// concurrent sends and returns the drained events grouped per agent.
// Called once per tick by the coordinator.
func (b *Bus) DrainAll() map[uint64][]protocol.ActMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint64][]protocol.ActMsg, len(b.actions))
	for id, q := range b.actions {
		if len(q) == 0 {
			continue
		}
		out[id] = q
		b.actions[id] = nil
	}
	return out
}

// Publish sends a lifecycle payload to one agent. If the queue is full
// the oldest entry is dropped first; delivery is best-effort. The send
// happens under the bus lock: sendLatest never blocks, and Deregister
// closes queues under the same lock, so a send cannot hit a closed
// channel.
func (b *Bus) Publish(id uint64, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	out, ok := b.lifecycle[id]
	if !ok {
		return ErrNotRegistered
	}
	sendLatest(out, payload)
	return nil
}

// AgentIDs returns the registered agents in ascending order.
func (b *Bus) AgentIDs() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]uint64, 0, len(b.lifecycle))
	for id := range b.lifecycle {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

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
