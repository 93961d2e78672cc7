// Package control is the operator-facing endpoint: a bootstrap document
// over plain HTTP and a websocket carrying CMD/ACK plus an optional
// SNAPSHOT subscription. Both are restricted to loopback clients.
package control

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ecosim.dev/internal/protocol"
	"ecosim.dev/internal/sim/world"
)

// Controller is the coordinator surface the control channel drives.
type Controller interface {
	Start() error
	StopSim() error
	SpawnAgent(kind string, pos *[2]int) (uint64, error)
	SetParameter(name string, value float64) error
	IntroduceFood(pos [2]int, amount int) error
	Subscribe(id string) <-chan []byte
	Unsubscribe(id string)
	State() world.State
	CurrentTick() uint64
	WorldParams() protocol.WorldParams
}

// Auditor records every accepted command for the run index. A nil
// auditor disables auditing.
type Auditor interface {
	RecordCommand(session, cmd, status, code string)
}

type BootstrapResponse struct {
	ProtocolVersion string               `json:"protocol_version"`
	State           string               `json:"state"`
	Tick            uint64               `json:"tick"`
	WorldParams     protocol.WorldParams `json:"world_params"`
}

type Server struct {
	ctrl  Controller
	audit Auditor
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(ctrl Controller, audit Auditor, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		ctrl:  ctrl,
		audit: audit,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := BootstrapResponse{
			ProtocolVersion: protocol.Version,
			State:           s.ctrl.State().String(),
			Tick:            s.ctrl.CurrentTick(),
			WorldParams:     s.ctrl.WorldParams(),
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		session := uuid.NewString()
		acks := make(chan []byte, 16)
		subCh := make(chan (<-chan []byte))
		subscribed := false
		defer func() {
			if subscribed {
				s.ctrl.Unsubscribe(session)
			}
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine: acks take priority over snapshots. The
		// snapshot channel arrives over subCh so only this goroutine
		// ever touches it.
		go func() {
			var snaps <-chan []byte
			for {
				select {
				case <-ctx.Done():
					return
				case ch := <-subCh:
					snaps = ch
				case b := <-acks:
					if !writeMsg(conn, b) {
						cancel()
						return
					}
				case b, ok := <-snaps:
					if !ok {
						cancel()
						return
					}
					if !writeMsg(conn, b) {
						cancel()
						return
					}
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var cmd protocol.CommandMsg
			if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Type != protocol.TypeCommand {
				s.sendAck(ctx, acks, protocol.AckMsg{
					Type:            protocol.TypeAck,
					ProtocolVersion: protocol.Version,
					Status:          protocol.StatusError,
					Code:            protocol.ErrProtoBadRequest,
					Detail:          "expected CMD",
				})
				continue
			}
			if cmd.ProtocolVersion != protocol.Version {
				s.sendAck(ctx, acks, protocol.AckMsg{
					Type:            protocol.TypeAck,
					ProtocolVersion: protocol.Version,
					ID:              cmd.ID,
					Status:          protocol.StatusError,
					Code:            protocol.ErrProtoBadRequest,
					Detail:          "unsupported protocol_version",
				})
				continue
			}

			ack := s.dispatch(session, &cmd, func(ch <-chan []byte) {
				subscribed = true
				select {
				case subCh <- ch:
				case <-ctx.Done():
				}
			})
			s.sendAck(ctx, acks, ack)
		}
		cancel()
	}
}

func (s *Server) dispatch(session string, cmd *protocol.CommandMsg, onSubscribe func(<-chan []byte)) protocol.AckMsg {
	ack := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		ID:              cmd.ID,
		Status:          protocol.StatusOK,
	}
	var err error
	switch cmd.Cmd {
	case protocol.CmdStart:
		err = s.ctrl.Start()
	case protocol.CmdStop:
		err = s.ctrl.StopSim()
	case protocol.CmdSpawnAgent:
		var id uint64
		id, err = s.ctrl.SpawnAgent(cmd.Kind, cmd.Pos)
		ack.AgentID = id
	case protocol.CmdSetParameter:
		err = s.ctrl.SetParameter(cmd.Name, cmd.Value)
	case protocol.CmdIntroduceFood:
		if cmd.Pos == nil {
			err = world.Faultf(protocol.ErrValidation, "introduce food: pos required")
		} else {
			err = s.ctrl.IntroduceFood(*cmd.Pos, cmd.Amount)
		}
	case protocol.CmdSubscribe:
		onSubscribe(s.ctrl.Subscribe(session))
	default:
		err = world.Faultf(protocol.ErrProtoBadRequest, "unknown command %q", cmd.Cmd)
	}
	if err != nil {
		ack.Status = protocol.StatusError
		ack.Code = world.FaultCode(err)
		ack.Detail = err.Error()
		s.log.Printf("session=%s cmd=%s %s: %v", session, cmd.Cmd, ack.Code, err)
	}
	if s.audit != nil {
		s.audit.RecordCommand(session, cmd.Cmd, ack.Status, ack.Code)
	}
	return ack
}

func (s *Server) sendAck(ctx context.Context, acks chan []byte, ack protocol.AckMsg) {
	b, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case acks <- b:
	case <-ctx.Done():
	}
}

func writeMsg(conn *websocket.Conn, b []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b) == nil
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
