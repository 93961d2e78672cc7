package protocol

// HELLO (agent process -> environment). Sent once, before any ACT.
// Registration on the message bus is complete when WELCOME arrives.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentID         uint64 `json:"agent_id"`
	Kind            string `json:"kind"`
}

// WELCOME (environment -> agent process).
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	AgentID         uint64      `json:"agent_id"`
	Tick            uint64      `json:"tick"`
	WorldParams     WorldParams `json:"world_params"`
}

type WorldParams struct {
	Width          int   `json:"width"`
	Height         int   `json:"height"`
	TickIntervalMs int   `json:"tick_interval_ms"`
	SenseRadius    int   `json:"sense_radius"`
	Seed           int64 `json:"seed"`
}

// ACT (agent process -> environment). Exactly one intent per tick.
// Seq is a per-agent monotonically increasing sequence number; the
// environment applies only the next expected value.
type ActMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentID         uint64 `json:"agent_id"`
	Seq             uint64 `json:"seq"`
	Tick            uint64 `json:"tick"`
	Action          string `json:"action"`
	Dir             [2]int `json:"dir,omitempty"`
}

// TICK (environment -> agent process). Carries the world view the agent
// decides on, plus lifecycle notices since the previous tick.
type TickMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Tick            uint64       `json:"tick"`
	Drought         bool         `json:"drought"`
	Params          ParamsView   `json:"params"`
	Self            AgentView    `json:"self"`
	Grid            GridView     `json:"grid"`
	Agents          []AgentView  `json:"agents"`
	Events          []WorldEvent `json:"events,omitempty"`
}

// TERMINATE (environment -> agent process). The process must exit 0.
type TerminateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Reason          string `json:"reason,omitempty"`
}

type ParamsView struct {
	HungerPrey     int `json:"h_prey"`
	HungerPredator int `json:"h_pred"`
	ReproPrey      int `json:"r_prey"`
	ReproPredator  int `json:"r_pred"`
	SenseRadius    int `json:"sense_radius"`
}

type AgentView struct {
	ID     uint64 `json:"id"`
	Kind   string `json:"kind"`
	Pos    [2]int `json:"pos"`
	Energy int    `json:"energy"`
	Alive  bool   `json:"alive"`
}

// GridView is a row-major food-density dump of the whole grid.
type GridView struct {
	Width  int   `json:"width"`
	Height int   `json:"height"`
	Food   []int `json:"food"`
}

type WorldEvent struct {
	Type    string `json:"type"` // "SPAWNED", "TERMINATED", "DROUGHT"
	AgentID uint64 `json:"agent_id,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// CMD (control client -> environment).
type CommandMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	ID              string  `json:"id"`
	Cmd             string  `json:"cmd"`
	Kind            string  `json:"kind,omitempty"`
	Pos             *[2]int `json:"pos,omitempty"`
	Name            string  `json:"name,omitempty"`
	Value           float64 `json:"value,omitempty"`
	Amount          int     `json:"amount,omitempty"`
}

// ACK (environment -> control client). Status is "ok" or "error"; on
// error Code carries one of the E_* fault codes.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Status          string `json:"status"`
	Code            string `json:"code,omitempty"`
	Detail          string `json:"detail,omitempty"`
	AgentID         uint64 `json:"agent_id,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// SNAPSHOT (environment -> subscribed control clients).
type SnapshotMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Tick            uint64      `json:"tick"`
	Drought         bool        `json:"drought"`
	Grid            GridView    `json:"grid"`
	Agents          []AgentView `json:"agents"`
	Params          ParamsView  `json:"params"`
}
