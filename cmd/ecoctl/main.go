package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ecosim.dev/internal/persistence/runindex"
	"ecosim.dev/internal/protocol"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "start":
			simpleCmd(os.Args[2:], protocol.CmdStart)
			return
		case "stop":
			simpleCmd(os.Args[2:], protocol.CmdStop)
			return
		case "spawn":
			spawnCmd(os.Args[2:])
			return
		case "set":
			setCmd(os.Args[2:])
			return
		case "food":
			foodCmd(os.Args[2:])
			return
		case "watch":
			watchCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		}
	}
	stateCmd(os.Args[1:])
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("ecoctl", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8080", "environment address")
	_ = fs.Parse(args)

	resp, err := http.Get(fmt.Sprintf("http://%s/v1/bootstrap", *addr))
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "bootstrap: %s: %s\n", resp.Status, body)
		os.Exit(1)
	}
	var boot struct {
		ProtocolVersion string               `json:"protocol_version"`
		State           string               `json:"state"`
		Tick            uint64               `json:"tick"`
		WorldParams     protocol.WorldParams `json:"world_params"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap decode:", err)
		os.Exit(1)
	}
	fmt.Printf("state=%s tick=%d grid=%dx%d tick_interval_ms=%d seed=%d\n",
		boot.State, boot.Tick,
		boot.WorldParams.Width, boot.WorldParams.Height,
		boot.WorldParams.TickIntervalMs, boot.WorldParams.Seed)
}

func simpleCmd(args []string, cmd string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8080", "environment address")
	_ = fs.Parse(args)

	ack := roundTrip(*addr, protocol.CommandMsg{Cmd: cmd})
	printAck(ack)
}

func spawnCmd(args []string) {
	fs := flag.NewFlagSet("spawn", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8080", "environment address")
	kind := fs.String("kind", protocol.KindPrey, "agent kind (PREY or PREDATOR)")
	x := fs.Int("x", -1, "spawn x (omit both for a random free cell)")
	y := fs.Int("y", -1, "spawn y")
	_ = fs.Parse(args)

	msg := protocol.CommandMsg{Cmd: protocol.CmdSpawnAgent, Kind: *kind}
	if *x >= 0 && *y >= 0 {
		msg.Pos = &[2]int{*x, *y}
	}
	ack := roundTrip(*addr, msg)
	if ack.Status == protocol.StatusOK {
		fmt.Printf("spawned agent_id=%d\n", ack.AgentID)
		return
	}
	printAck(ack)
}

func setCmd(args []string) {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8080", "environment address")
	name := fs.String("name", "", "parameter name")
	value := fs.Float64("value", 0, "parameter value")
	_ = fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "missing -name")
		os.Exit(2)
	}
	ack := roundTrip(*addr, protocol.CommandMsg{Cmd: protocol.CmdSetParameter, Name: *name, Value: *value})
	printAck(ack)
}

func foodCmd(args []string) {
	fs := flag.NewFlagSet("food", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8080", "environment address")
	x := fs.Int("x", 0, "cell x")
	y := fs.Int("y", 0, "cell y")
	amount := fs.Int("amount", 1, "grass units to add")
	_ = fs.Parse(args)

	ack := roundTrip(*addr, protocol.CommandMsg{
		Cmd:    protocol.CmdIntroduceFood,
		Pos:    &[2]int{*x, *y},
		Amount: *amount,
	})
	printAck(ack)
}

func watchCmd(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8080", "environment address")
	raw := fs.Bool("raw", false, "print full snapshot JSON instead of a summary line")
	_ = fs.Parse(args)

	conn := dialControl(*addr)
	defer conn.Close()

	sendCommand(conn, protocol.CommandMsg{Cmd: protocol.CmdSubscribe})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeAck:
			var ack protocol.AckMsg
			if json.Unmarshal(msg, &ack) == nil && ack.Status != protocol.StatusOK {
				fmt.Fprintf(os.Stderr, "subscribe: %s %s\n", ack.Code, ack.Detail)
				os.Exit(1)
			}
		case protocol.TypeSnapshot:
			if *raw {
				fmt.Println(string(msg))
				continue
			}
			var snap protocol.SnapshotMsg
			if err := json.Unmarshal(msg, &snap); err != nil {
				continue
			}
			var prey, pred int
			for _, a := range snap.Agents {
				if !a.Alive {
					continue
				}
				if a.Kind == protocol.KindPredator {
					pred++
				} else {
					prey++
				}
			}
			fmt.Printf("tick=%d prey=%d pred=%d drought=%v\n", snap.Tick, prey, pred, snap.Drought)
		}
	}
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	path := fs.String("path", "", "path to a run index.db")
	session := fs.String("session", "", "list commands for a control session")
	_ = fs.Parse(args)

	if *path == "" {
		fmt.Fprintln(os.Stderr, "missing -path")
		os.Exit(2)
	}
	idx, err := runindex.Open(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	if *session != "" {
		cmds, err := idx.Commands(*session)
		if err != nil {
			fmt.Fprintln(os.Stderr, "commands:", err)
			os.Exit(1)
		}
		for _, c := range cmds {
			fmt.Printf("%d\t%s\t%s\t%s\n", c.Seq, c.Cmd, c.Status, c.Code)
		}
		return
	}

	run, err := idx.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "run:", err)
		os.Exit(1)
	}
	n, err := idx.TickCount()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ticks:", err)
		os.Exit(1)
	}
	fmt.Printf("seed=%d started=%s ended=%s final_tick=%d indexed_ticks=%d\n",
		run.Seed, run.StartedAt, run.EndedAt, run.FinalTick, n)
}

func dialControl(addr string) *websocket.Conn {
	url := fmt.Sprintf("ws://%s/v1/control", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	return conn
}

func sendCommand(conn *websocket.Conn, msg protocol.CommandMsg) {
	msg.Type = protocol.TypeCommand
	msg.ProtocolVersion = protocol.Version
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
}

func roundTrip(addr string, msg protocol.CommandMsg) protocol.AckMsg {
	conn := dialControl(addr)
	defer conn.Close()

	sendCommand(conn, msg)
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ack protocol.AckMsg
	if err := conn.ReadJSON(&ack); err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	return ack
}

func printAck(ack protocol.AckMsg) {
	if ack.Status == protocol.StatusOK {
		fmt.Println("ok")
		return
	}
	fmt.Fprintf(os.Stderr, "error: %s %s\n", ack.Code, ack.Detail)
	os.Exit(1)
}
