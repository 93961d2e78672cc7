package runlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"ecosim.dev/internal/protocol"
	"ecosim.dev/internal/sim/store"
	"ecosim.dev/internal/sim/world"
)

func readEntries(t *testing.T, dir string) []Entry {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "ticks", "*.jsonl.zst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("log files = %v (err %v), want exactly 1", matches, err)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	var out []Entry
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestTickLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)

	agents := []store.AgentRecord{
		{ID: 1, Kind: protocol.KindPrey, Energy: 10, Alive: true},
		{ID: 2, Kind: protocol.KindPredator, Energy: 12, Alive: true},
		{ID: 3, Kind: protocol.KindPrey, Energy: 0, Alive: false},
	}
	l.ObserveTick(world.Summary{Tick: 1, Agents: agents, Kills: 1, StepMillis: 0.8})
	l.ObserveTick(world.Summary{Tick: 2, Agents: agents[:2], Births: 1, StepMillis: 0.6})
	l.RunEnded(2)

	entries := readEntries(t, dir)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Tick != 1 || entries[0].Prey != 1 || entries[0].Pred != 1 || entries[0].Kills != 1 {
		t.Fatalf("first entry = %+v", entries[0])
	}
	if entries[1].Tick != 2 || entries[1].Births != 1 {
		t.Fatalf("second entry = %+v", entries[1])
	}
}

func TestNilTickLoggerIsSafe(t *testing.T) {
	l := NewTickLogger("")
	l.ObserveTick(world.Summary{Tick: 1})
	l.RunEnded(1)
}
