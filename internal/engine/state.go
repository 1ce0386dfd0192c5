package engine

// State is the orchestra's top-level state. The cycle walks
// SCANNING → LEVEL_BUILDING → SIGNAL_WAIT → SIZING → EXECUTION → MANAGING
// and rests in SCANNING (slots free) or MANAGING (slots full). PAUSED,
// ERROR, and EMERGENCY interrupt the walk from any state.
type State string

const (
	StateInitializing  State = "INITIALIZING"
	StateScanning      State = "SCANNING"
	StateLevelBuilding State = "LEVEL_BUILDING"
	StateSignalWait    State = "SIGNAL_WAIT"
	StateSizing        State = "SIZING"
	StateExecution     State = "EXECUTION"
	StateManaging      State = "MANAGING"
	StatePaused        State = "PAUSED"
	StateError         State = "ERROR"
	StateEmergency     State = "EMERGENCY"
)

// Running reports whether the orchestra is cycling normally (neither
// halted by an operator nor stuck in a terminal condition).
func (s State) Running() bool {
	switch s {
	case StatePaused, StateError, StateEmergency, StateInitializing:
		return false
	}
	return true
}
