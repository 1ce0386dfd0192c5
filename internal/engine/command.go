package engine

import (
	"time"

	"github.com/google/uuid"

	"perp-breakout/internal/api"
)

// Command names accepted on the control channel.
const (
	CmdStart      = "start"
	CmdStop       = "stop"
	CmdPause      = "pause"
	CmdResume     = "resume"
	CmdTimeStop   = "time_stop"
	CmdPanicExit  = "panic_exit"
	CmdKillSwitch = "kill_switch"
	CmdRetry      = "retry"
)

// Command is one control-plane request. Commands are idempotent: repeating
// one in the state it already produced succeeds with a no-op message.
type Command struct {
	Name          string
	CorrelationID string

	reply chan api.CommandResult
}

func knownCommand(name string) bool {
	switch name {
	case CmdStart, CmdStop, CmdPause, CmdResume, CmdTimeStop, CmdPanicExit, CmdKillSwitch, CmdRetry:
		return true
	}
	return false
}

// Dispatch queues a command for the orchestra loop and waits for its
// answer. The queue is single-consumer; if the loop cannot take the
// command or answer in time, the caller gets a failure rather than a hang.
func (e *Engine) Dispatch(cmd Command) api.CommandResult {
	if !knownCommand(cmd.Name) {
		return api.CommandResult{Message: "unknown command: " + cmd.Name, Timestamp: time.Now()}
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	cmd.reply = make(chan api.CommandResult, 1)

	select {
	case e.cmdCh <- cmd:
	case <-e.loopDone:
		return api.CommandResult{Message: "engine stopped", Timestamp: time.Now()}
	case <-time.After(5 * time.Second):
		return api.CommandResult{Message: "command queue full", Timestamp: time.Now()}
	}

	select {
	case res := <-cmd.reply:
		return res
	case <-e.loopDone:
		return api.CommandResult{Message: "engine stopped", Timestamp: time.Now()}
	case <-time.After(30 * time.Second):
		return api.CommandResult{Message: "command timed out", Timestamp: time.Now()}
	}
}

// Command implements api.Controller.
func (e *Engine) Command(name, correlationID string) api.CommandResult {
	return e.Dispatch(Command{Name: name, CorrelationID: correlationID})
}
