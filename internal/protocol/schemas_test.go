package protocol_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"ecosim.dev/internal/protocol"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	raw, err := protocol.Schemas.ReadFile("schemas/" + name)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
	s, err := c.Compile(name)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

func validate(t *testing.T, s *jsonschema.Schema, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := s.Validate(doc); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestSchemas_ValidateSamples(t *testing.T) {
	helloSchema := compileSchema(t, "hello.schema.json")
	actSchema := compileSchema(t, "act.schema.json")
	cmdSchema := compileSchema(t, "cmd.schema.json")
	snapshotSchema := compileSchema(t, "snapshot.schema.json")

	validate(t, helloSchema, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentID:         7,
		Kind:            protocol.KindPrey,
	})

	validate(t, actSchema, protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		AgentID:         7,
		Seq:             3,
		Tick:            42,
		Action:          protocol.ActionMove,
		Dir:             [2]int{1, 0},
	})

	pos := [2]int{3, 3}
	validate(t, cmdSchema, protocol.CommandMsg{
		Type:            protocol.TypeCommand,
		ProtocolVersion: protocol.Version,
		ID:              "c1",
		Cmd:             protocol.CmdSpawnAgent,
		Kind:            protocol.KindPredator,
		Pos:             &pos,
	})

	validate(t, snapshotSchema, protocol.SnapshotMsg{
		Type:            protocol.TypeSnapshot,
		ProtocolVersion: protocol.Version,
		Tick:            1,
		Grid:            protocol.GridView{Width: 2, Height: 2, Food: []int{0, 5, 0, 0}},
		Agents: []protocol.AgentView{
			{ID: 1, Kind: protocol.KindPrey, Pos: [2]int{0, 1}, Energy: 10, Alive: true},
		},
		Params: protocol.ParamsView{HungerPrey: 1, HungerPredator: 1, ReproPrey: 20, ReproPredator: 20, SenseRadius: 4},
	})
}

func TestSchemas_RejectBadAction(t *testing.T) {
	actSchema := compileSchema(t, "act.schema.json")

	var doc any
	raw := fmt.Sprintf(`{"type":"ACT","protocol_version":%q,"agent_id":1,"seq":1,"tick":0,"action":"FLY"}`, protocol.Version)
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := actSchema.Validate(doc); err == nil {
		t.Fatal("expected validation error for unknown action")
	}
}

func TestDecodeBase(t *testing.T) {
	base, err := protocol.DecodeBase([]byte(`{"type":"TICK","protocol_version":"1.0"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if base.Type != protocol.TypeTick {
		t.Fatalf("type = %q, want TICK", base.Type)
	}
}
