package api

import (
	"time"
)

// StreamEvent wraps everything pushed over /ws. Type is one of "status",
// "transition", "signal", "entry", "exit", "command", "kill".
type StreamEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// TransitionEvent reports an orchestra state change.
type TransitionEvent struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// SignalEvent reports a generated trade signal before risk gating.
type SignalEvent struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Strategy   string  `json:"strategy"`
	Entry      float64 `json:"entry"`
	SL         float64 `json:"sl"`
	Confidence float64 `json:"confidence"`
}

// EntryEvent reports a newly opened position.
type EntryEvent struct {
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Qty        float64 `json:"qty"`
	Entry      float64 `json:"entry"`
	SL         float64 `json:"sl"`
}

// ExitEvent reports a full or partial close.
type ExitEvent struct {
	PositionID  string  `json:"position_id"`
	Symbol      string  `json:"symbol"`
	Qty         float64 `json:"qty"`
	Price       float64 `json:"price"`
	RealizedUSD float64 `json:"realized_usd"`
	Reason      string  `json:"reason,omitempty"`
}

// KillEvent reports a kill-switch latch or panic exit.
type KillEvent struct {
	Reason string `json:"reason"`
}

// NewTransitionEvent wraps a state change for the stream.
func NewTransitionEvent(from, to, reason string) StreamEvent {
	return StreamEvent{
		Type:      "transition",
		Timestamp: time.Now(),
		Data:      TransitionEvent{From: from, To: to, Reason: reason},
	}
}

// NewKillEvent wraps a kill-switch activation for the stream.
func NewKillEvent(reason string) StreamEvent {
	return StreamEvent{
		Type:      "kill",
		Timestamp: time.Now(),
		Data:      KillEvent{Reason: reason},
	}
}
