package protocol

import "encoding/json"

const Version = "1.0"

// Message types, agent channel.
const (
	TypeHello     = "HELLO"
	TypeWelcome   = "WELCOME"
	TypeAct       = "ACT"
	TypeTick      = "TICK"
	TypeTerminate = "TERMINATE"
)

// Message types, control channel.
const (
	TypeCommand  = "CMD"
	TypeAck      = "ACK"
	TypeSnapshot = "SNAPSHOT"
)

// Action kinds carried by ACT.
const (
	ActionMove      = "MOVE"
	ActionEat       = "EAT"
	ActionReproduce = "REPRODUCE"
	ActionDie       = "DIE"
)

// Agent kinds.
const (
	KindPrey     = "PREY"
	KindPredator = "PREDATOR"
)

// Control commands.
const (
	CmdStart         = "START"
	CmdStop          = "STOP"
	CmdSpawnAgent    = "SPAWN_AGENT"
	CmdSetParameter  = "SET_PARAMETER"
	CmdIntroduceFood = "INTRODUCE_FOOD"
	CmdSubscribe     = "SUBSCRIBE"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

func ValidKind(kind string) bool {
	return kind == KindPrey || kind == KindPredator
}

func ValidAction(action string) bool {
	switch action {
	case ActionMove, ActionEat, ActionReproduce, ActionDie:
		return true
	}
	return false
}
