// Package agent is the client side of the agent channel: one process,
// one connection, one decision per tick. The decision logic lives in a
// Policy so prey and predator share the transport loop.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"ecosim.dev/internal/protocol"
)

type Config struct {
	ID     uint64
	Kind   string
	URL    string
	Seed   int64
	Logger *log.Logger
}

type Client struct {
	cfg    Config
	log    *log.Logger
	conn   *websocket.Conn
	policy Policy
	rng    *rand.Rand
	seq    uint64
}

// Dial connects and completes the HELLO/WELCOME handshake.
func Dial(cfg Config) (*Client, error) {
	if !protocol.ValidKind(cfg.Kind) {
		return nil, fmt.Errorf("agent: unknown kind %q", cfg.Kind)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano() ^ int64(cfg.ID)
	}

	conn, _, err := websocket.DefaultDialer.Dial(cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: dial %s: %w", cfg.URL, err)
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentID:         cfg.ID,
		Kind:            cfg.Kind,
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("agent: send HELLO: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("agent: read WELCOME: %w", err)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("agent: decode WELCOME: %w", err)
	}
	if welcome.Type != protocol.TypeWelcome || welcome.AgentID != cfg.ID {
		conn.Close()
		return nil, fmt.Errorf("agent: unexpected handshake reply %s", welcome.Type)
	}
	logger.Printf("agent=%d kind=%s joined at tick %d (%dx%d grid)",
		cfg.ID, cfg.Kind, welcome.Tick, welcome.WorldParams.Width, welcome.WorldParams.Height)

	return &Client{
		cfg:    cfg,
		log:    logger,
		conn:   conn,
		policy: ForKind(cfg.Kind),
		rng:    rand.New(rand.NewSource(seed)),
		seq:    1,
	}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Run reacts to the lifecycle stream until TERMINATE or a transport
// error. A clean TERMINATE returns nil; the process should exit 0.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("agent: read: %w", err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeTick:
			var tick protocol.TickMsg
			if err := json.Unmarshal(msg, &tick); err != nil {
				continue
			}
			if err := c.onTick(&tick); err != nil {
				return err
			}
		case protocol.TypeTerminate:
			var term protocol.TerminateMsg
			_ = json.Unmarshal(msg, &term)
			c.log.Printf("agent=%d terminating: %s", c.cfg.ID, term.Reason)
			return nil
		}
	}
}

func (c *Client) onTick(tick *protocol.TickMsg) error {
	if !tick.Self.Alive {
		return nil
	}
	d := c.policy.Decide(tick, c.rng)
	act := protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		AgentID:         c.cfg.ID,
		Seq:             c.seq,
		Tick:            tick.Tick,
		Action:          d.Action,
		Dir:             d.Dir,
	}
	c.seq++
	if err := c.conn.WriteJSON(act); err != nil {
		return fmt.Errorf("agent: send ACT: %w", err)
	}
	return nil
}
