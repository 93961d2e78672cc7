package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ecosim.dev/internal/bus"
	"ecosim.dev/internal/persistence/runindex"
	"ecosim.dev/internal/persistence/runlog"
	"ecosim.dev/internal/sim/params"
	"ecosim.dev/internal/sim/store"
	"ecosim.dev/internal/sim/supervisor"
	"ecosim.dev/internal/sim/world"
	"ecosim.dev/internal/telemetry"
	"ecosim.dev/internal/transport/control"
	"ecosim.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address")
		paramsPath = flag.String("params", "", "path to params.yaml (defaults apply when empty)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		seed       = flag.Int64("seed", 0, "world seed (0 picks one)")
		agentBin   = flag.String("agent_bin", "./agentd", "agent binary to spawn")
		telWindow  = flag.Int("telemetry_window", 50, "ticks per telemetry row")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite run index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[envd] ", log.LstdFlags|log.Lmicroseconds)

	p := params.Defaults()
	if strings.TrimSpace(*paramsPath) != "" {
		var err error
		p, err = params.Load(*paramsPath)
		if err != nil {
			logger.Fatalf("load params: %v", err)
		}
	}

	runDir := filepath.Join(*dataDir, "runs", time.Now().UTC().Format("2006-01-02T15-04-05"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		logger.Fatalf("run dir: %v", err)
	}

	st := store.New(p.GridWidth, p.GridHeight, 0)
	b := bus.New(bus.DefaultDepth)

	agentURL := fmt.Sprintf("ws://%s/v1/agent", listenHost(*addr))
	sup := supervisor.New(supervisor.Config{
		Start:           supervisor.ExecStart(*agentBin, agentURL),
		MaxProcs:        p.MaxAgents,
		RegisterTimeout: time.Duration(p.RegisterTimeoutMs) * time.Millisecond,
		ShutdownGrace:   time.Duration(p.ShutdownGraceMs) * time.Millisecond,
		Logger:          log.New(os.Stdout, "[supervisor] ", log.LstdFlags|log.Lmicroseconds),
	})

	var sinks []world.TickSink

	collector, err := telemetry.NewCollector(runDir, *telWindow, logger)
	if err != nil {
		logger.Fatalf("telemetry: %v", err)
	}
	if collector != nil {
		sinks = append(sinks, collector)
	}

	if tickLog := runlog.NewTickLogger(runDir); tickLog != nil {
		sinks = append(sinks, tickLog)
	}

	var idx *runindex.SQLiteIndex
	if !*disableDB {
		idx, err = runindex.Open(filepath.Join(runDir, "index.db"))
		if err != nil {
			logger.Fatalf("open run index: %v", err)
		}
		defer idx.Close()
		sinks = append(sinks, idx)
	}

	coord := world.New(world.Config{Params: p, Seed: *seed, Logger: logger}, st, b, sup, sinks...)
	if idx != nil {
		idx.RecordRunStart(coord.WorldParams().Seed, p)
	}

	ctx, cancel := signalContext()
	defer cancel()

	coordDone := make(chan error, 1)
	go func() { coordDone <- coord.Run(ctx) }()

	agentSrv := ws.NewServer(coord, st, b, log.New(os.Stdout, "[agent-ws] ", log.LstdFlags|log.Lmicroseconds))
	var auditor control.Auditor
	if idx != nil {
		auditor = idx
	}
	ctrlSrv := control.NewServer(coord, auditor, log.New(os.Stdout, "[control] ", log.LstdFlags|log.Lmicroseconds))

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agent", agentSrv.Handler())
	mux.HandleFunc("/v1/bootstrap", ctrlSrv.BootstrapHandler())
	mux.HandleFunc("/v1/control", ctrlSrv.WSHandler())

	httpSrv := &http.Server{Addr: *addr, Handler: mux}
	httpDone := make(chan error, 1)
	go func() { httpDone <- httpSrv.ListenAndServe() }()

	logger.Printf("listening on %s (run dir %s)", *addr, runDir)

	select {
	case <-ctx.Done():
	case err := <-httpDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http: %v", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	coord.Close()
	select {
	case <-coordDone:
	case <-time.After(time.Duration(p.ShutdownGraceMs)*time.Millisecond + 2*time.Second):
		logger.Printf("coordinator did not stop in time")
	}
	logger.Printf("bye")
}

// listenHost rewrites a wildcard listen address into one the spawned
// agent processes can dial.
func listenHost(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
