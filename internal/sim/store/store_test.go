package store

import (
	"sync"
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func TestApplyAndSnapshot(t *testing.T) {
	s := New(4, 4, 0)

	err := s.Apply(1, Delta{
		Cells:   []CellDelta{{X: 3, Y: 3, Food: 5}},
		Upserts: []AgentRecord{{ID: 2, Kind: "PREY", X: 3, Y: 3, Energy: 10, Alive: true}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	snap := s.Snapshot()
	if snap.Tick != 1 {
		t.Fatalf("tick = %d, want 1", snap.Tick)
	}
	if got := snap.Grid.At(3, 3); got != 5 {
		t.Fatalf("food(3,3) = %d, want 5", got)
	}
	if len(snap.Agents) != 1 || snap.Agents[0].ID != 2 {
		t.Fatalf("agents = %+v, want one record with ID 2", snap.Agents)
	}
	if snap.Version == 0 || snap.Version&1 == 1 {
		t.Fatalf("version = %d, want positive even", snap.Version)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New(2, 2, 0)
	if err := s.Apply(1, Delta{Cells: []CellDelta{{X: 0, Y: 0, Food: 3}}}); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	snap.Grid.Set(0, 0, 99)
	if got := s.Snapshot().Grid.At(0, 0); got != 3 {
		t.Fatalf("store mutated through snapshot: food = %d", got)
	}
}

func TestNegativeFoodClamped(t *testing.T) {
	s := New(2, 2, 0)
	if err := s.Apply(1, Delta{Cells: []CellDelta{{X: 1, Y: 1, Food: -4}}}); err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot().Grid.At(1, 1); got != 0 {
		t.Fatalf("food = %d, want 0", got)
	}
}

func TestRemoveAgent(t *testing.T) {
	s := New(2, 2, 0)
	if err := s.Apply(1, Delta{Upserts: []AgentRecord{{ID: 1, Alive: true}, {ID: 2, Alive: true}}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(2, Delta{Removed: []uint64{1}}); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Agents) != 1 || snap.Agents[0].ID != 2 {
		t.Fatalf("agents = %+v, want only ID 2", snap.Agents)
	}
}

func TestApplyContentionTimeout(t *testing.T) {
	s := New(2, 2, 10*time.Millisecond)
	release, ok := s.holdExclusive()
	if !ok {
		t.Fatal("could not take write slot")
	}
	defer release()

	if err := s.Apply(1, Delta{}); err != ErrContention {
		t.Fatalf("err = %v, want ErrContention", err)
	}
	// Nothing was applied.
	if s.Snapshot().Tick != 0 {
		t.Fatal("tick advanced despite contention")
	}
}

func TestConcurrentReadersSeeConsistentState(t *testing.T) {
	s := New(8, 8, 0)
	done := make(chan struct{})
	var wg sync.WaitGroup

	// Writer: each tick sets every cell to the tick number and upserts an
	// agent whose energy equals the tick. A consistent snapshot therefore
	// has uniform cells matching the agent's energy.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for tick := uint64(1); tick <= 200; tick++ {
			d := Delta{Upserts: []AgentRecord{{ID: 1, Energy: int(tick), Alive: true}}}
			for y := 0; y < 8; y++ {
				for x := 0; x < 8; x++ {
					d.Cells = append(d.Cells, CellDelta{X: x, Y: y, Food: int(tick)})
				}
			}
			if err := s.Apply(tick, d); err != nil {
				t.Errorf("apply: %v", err)
				return
			}
		}
		close(done)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := s.Snapshot()
				if snap.Tick == 0 {
					continue
				}
				want := int(snap.Tick)
				for i, f := range snap.Grid.Food {
					if f != want {
						t.Errorf("torn read: cell %d = %d at tick %d", i, f, snap.Tick)
						return
					}
				}
				if len(snap.Agents) != 1 || snap.Agents[0].Energy != want {
					t.Errorf("torn read: agents %+v at tick %d", snap.Agents, snap.Tick)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestVersionMonotonic(t *testing.T) {
	s := New(2, 2, 0)
	prev := s.Version()
	for i := uint64(1); i <= 10; i++ {
		if err := s.Apply(i, Delta{Drought: boolPtr(i%2 == 0)}); err != nil {
			t.Fatal(err)
		}
		v := s.Version()
		if v <= prev {
			t.Fatalf("version not monotonic: %d -> %d", prev, v)
		}
		prev = v
	}
}
