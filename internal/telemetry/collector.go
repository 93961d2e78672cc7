package telemetry

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"ecosim.dev/internal/sim/world"
)

// Collector buffers tick summaries and emits one WindowStats row per
// window. It runs on the coordinator's tick goroutine, so it holds no
// locks.
type Collector struct {
	window  int
	log     *log.Logger
	file    *os.File
	header  bool
	pending []world.Summary
}

// NewCollector opens <dir>/telemetry.csv. An empty dir disables output
// and returns a nil collector; a nil *Collector is safe to use.
func NewCollector(dir string, window int, logger *log.Logger) (*Collector, error) {
	if dir == "" {
		return nil, nil
	}
	if window <= 0 {
		window = 50
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "telemetry.csv"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return &Collector{window: window, log: logger, file: f}, nil
}

func (c *Collector) ObserveTick(s world.Summary) {
	if c == nil {
		return
	}
	c.pending = append(c.pending, s)
	if len(c.pending) >= c.window {
		c.flush(s.Tick)
	}
}

func (c *Collector) RunEnded(finalTick uint64) {
	if c == nil {
		return
	}
	if len(c.pending) > 0 {
		c.flush(finalTick)
	}
	if err := c.file.Close(); err != nil {
		c.log.Printf("telemetry: close: %v", err)
	}
}

func (c *Collector) flush(end uint64) {
	row := []WindowStats{computeWindow(end, c.pending)}
	c.pending = c.pending[:0]

	var err error
	if !c.header {
		err = gocsv.Marshal(row, c.file)
		c.header = true
	} else {
		err = gocsv.MarshalWithoutHeaders(row, c.file)
	}
	if err != nil {
		c.log.Printf("telemetry: write window %d: %v", end, err)
	}
}
