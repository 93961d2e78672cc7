package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ecosim.dev/internal/agent"
)

func main() {
	var (
		id     = flag.Uint64("id", 0, "agent id assigned by the environment")
		kind   = flag.String("kind", "", "agent kind (PREY or PREDATOR)")
		x      = flag.Int("x", 0, "spawn x (informational)")
		y      = flag.Int("y", 0, "spawn y (informational)")
		energy = flag.Int("energy", 0, "spawn energy (informational)")
		busURL = flag.String("bus", "ws://127.0.0.1:8080/v1/agent", "environment agent endpoint")
		seed   = flag.Int64("seed", 0, "policy rng seed (0 derives one from the id)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, fmt.Sprintf("[agent %d] ", *id), log.LstdFlags|log.Lmicroseconds)
	if *id == 0 {
		logger.Fatalf("missing -id")
	}

	policySeed := *seed
	if policySeed == 0 {
		policySeed = int64(*id)
	}

	client, err := agent.Dial(agent.Config{
		ID:     *id,
		Kind:   *kind,
		URL:    *busURL,
		Seed:   policySeed,
		Logger: logger,
	})
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}

	logger.Printf("joined as %s at (%d,%d) energy %d", *kind, *x, *y, *energy)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatalf("run: %v", err)
	}
	logger.Printf("bye")
}
