package api

// Controller is the engine surface the control plane talks to. The server
// never reaches into engine internals; everything it serves or forwards
// goes through these three calls.
type Controller interface {
	// Health returns the lightweight liveness payload.
	Health() HealthStatus
	// Status returns the full engine snapshot.
	Status() StatusSnapshot
	// Command queues a control command and blocks for its result.
	Command(name, correlationID string) CommandResult
}
