// Package ws is the agent-facing endpoint. Each agent process holds one
// connection for its whole life: HELLO in, WELCOME out, then ACT
// messages in and TICK/TERMINATE messages out until the process exits.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ecosim.dev/internal/bus"
	"ecosim.dev/internal/protocol"
	"ecosim.dev/internal/sim/store"
)

// Registrar is the coordinator surface the handshake needs.
type Registrar interface {
	AgentRegistered(id uint64) error
	CurrentTick() uint64
	WorldParams() protocol.WorldParams
}

type Server struct {
	reg   Registrar
	store *store.Store
	bus   *bus.Bus
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(reg Registrar, st *store.Store, b *bus.Bus, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		reg:   reg,
		store: st,
		bus:   b,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		agentID, out, ok := s.handshake(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine: lifecycle stream out.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						// Deregistered: the agent should already have seen
						// TERMINATE; close so a stuck reader gives up too.
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseNormalClosure, "deregistered"),
							time.Now().Add(time.Second))
						cancel()
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop: ACT in.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeAct {
				continue
			}
			var act protocol.ActMsg
			if err := json.Unmarshal(msg, &act); err != nil {
				continue
			}
			if act.ProtocolVersion != protocol.Version || act.AgentID != agentID {
				continue
			}
			if !protocol.ValidAction(act.Action) {
				s.log.Printf("%s: agent=%d unknown action %q", protocol.ErrValidation, agentID, act.Action)
				continue
			}
			if err := s.bus.Send(act); err != nil {
				s.log.Printf("%s: agent=%d seq=%d: %v", protocol.ErrBackpressure, agentID, act.Seq, err)
			}
		}

		// The environment decides the record's fate (missed deadlines or
		// process exit); the transport only tears its queues down.
		s.bus.Deregister(agentID)
	}
}

// handshake runs the HELLO/WELCOME exchange. The agent must identify as
// a record the coordinator has already spawned; anything else is a
// policy violation and the connection closes.
func (s *Server) handshake(conn *websocket.Conn) (uint64, <-chan []byte, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return 0, nil, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closePolicy(conn, "expected HELLO")
		return 0, nil, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return 0, nil, false
	}
	if hello.ProtocolVersion != protocol.Version {
		closePolicy(conn, "bad protocol_version")
		return 0, nil, false
	}

	rec, ok := s.store.Agent(hello.AgentID)
	if !ok || !rec.Alive {
		closePolicy(conn, "unknown agent")
		return 0, nil, false
	}
	if hello.Kind != rec.Kind {
		closePolicy(conn, "kind mismatch")
		return 0, nil, false
	}

	out, err := s.bus.Register(hello.AgentID)
	if err != nil {
		closePolicy(conn, "already connected")
		return 0, nil, false
	}
	if err := s.reg.AgentRegistered(hello.AgentID); err != nil {
		s.bus.Deregister(hello.AgentID)
		closePolicy(conn, "registration rejected")
		return 0, nil, false
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		AgentID:         hello.AgentID,
		Tick:            s.reg.CurrentTick(),
		WorldParams:     s.reg.WorldParams(),
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.bus.Deregister(hello.AgentID)
		return 0, nil, false
	}

	s.log.Printf("agent=%d kind=%s connected", hello.AgentID, hello.Kind)
	return hello.AgentID, out, true
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
