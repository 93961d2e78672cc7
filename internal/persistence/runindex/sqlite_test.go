package runindex

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"ecosim.dev/internal/protocol"
	"ecosim.dev/internal/sim/params"
	"ecosim.dev/internal/sim/store"
	"ecosim.dev/internal/sim/world"
)

// reopen closes the writer (committing everything) and opens a fresh
// index on the same file for the read-side assertions.
func reopen(t *testing.T, s *SQLiteIndex, path string) *SQLiteIndex {
	t.Helper()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestTickRowsIndexed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "run.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	agents := []store.AgentRecord{
		{ID: 1, Kind: protocol.KindPrey, Energy: 10, Alive: true},
		{ID: 2, Kind: protocol.KindPredator, Energy: 14, Alive: true},
		{ID: 3, Kind: protocol.KindPrey, Energy: 0, Alive: false},
	}
	for tick := uint64(1); tick <= 10; tick++ {
		s.ObserveTick(world.Summary{Tick: tick, Agents: agents, Kills: 1, StepMillis: 0.4})
	}

	r := reopen(t, s, path)
	n, err := r.TickCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Fatalf("tick count = %d, want 10", n)
	}
	last, err := r.LastTick()
	if err != nil {
		t.Fatal(err)
	}
	if last.Tick != 10 || last.Prey != 1 || last.Pred != 1 || last.Kills != 1 {
		t.Fatalf("last tick = %+v", last)
	}
}

func TestCommandAudit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	s.RecordCommand("sess-a", protocol.CmdStart, protocol.StatusOK, "")
	s.RecordCommand("sess-a", protocol.CmdSpawnAgent, protocol.StatusError, protocol.ErrValidation)
	s.RecordCommand("sess-b", protocol.CmdStop, protocol.StatusOK, "")

	r := reopen(t, s, path)
	cmds, err := r.Commands("sess-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 2 {
		t.Fatalf("commands = %d, want 2", len(cmds))
	}
	if cmds[0].Cmd != protocol.CmdStart || cmds[0].Status != protocol.StatusOK {
		t.Fatalf("first = %+v", cmds[0])
	}
	if cmds[1].Code != protocol.ErrValidation {
		t.Fatalf("second = %+v", cmds[1])
	}
	if cmds[0].Seq >= cmds[1].Seq {
		t.Fatalf("audit order broken: %d then %d", cmds[0].Seq, cmds[1].Seq)
	}
}

func TestRunSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	p := params.Defaults()
	s.RecordRunStart(42, p)
	s.ObserveTick(world.Summary{Tick: 1})
	s.RunEnded(1)

	r := reopen(t, s, path)
	run, err := r.Run()
	if err != nil {
		t.Fatal(err)
	}
	if run.Seed != 42 || run.FinalTick != 1 || run.EndedAt == "" {
		t.Fatalf("run = %+v", run)
	}
	var stored params.Params
	if err := json.Unmarshal([]byte(run.Params), &stored); err != nil {
		t.Fatal(err)
	}
	if stored.GridWidth != p.GridWidth {
		t.Fatalf("stored params = %+v", stored)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	// Writes after close are dropped, not panics.
	s.RecordCommand("sess", protocol.CmdStart, protocol.StatusOK, "")
}
