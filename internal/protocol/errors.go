package protocol

// Fault codes. Every fault the environment recovers from (or returns to a
// control caller) is tagged with one of these.
const (
	// Malformed, stale, or out-of-sequence ActionEvent; dropped.
	ErrValidation = "E_VALIDATION"

	// World store exclusive section unavailable within its timeout.
	ErrContention = "E_CONTENTION"

	// Agent missed its tick deadline too many times or exited unexpectedly.
	ErrUnresponsive = "E_UNRESPONSIVE"

	// Bounded queue full; sender must drop or coalesce.
	ErrBackpressure = "E_BACKPRESSURE"

	// Control command invalid in the coordinator's current state.
	ErrControl = "E_CONTROL"

	// Agent process failed to register on the bus before its first tick.
	ErrStartup = "E_STARTUP"

	// Transport-level validation (bad JSON, unknown type, wrong version).
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
)

var knownCodes = map[string]struct{}{
	ErrValidation:      {},
	ErrContention:      {},
	ErrUnresponsive:    {},
	ErrBackpressure:    {},
	ErrControl:         {},
	ErrStartup:         {},
	ErrProtoBadRequest: {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
