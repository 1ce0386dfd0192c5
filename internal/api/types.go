package api

import (
	"time"

	"perp-breakout/internal/risk"
	"perp-breakout/pkg/types"
)

// HealthStatus is the /health payload.
type HealthStatus struct {
	State            string  `json:"state"`
	SessionID        string  `json:"session_id"`
	KillSwitchActive bool    `json:"kill_switch_active"`
	LastError        string  `json:"last_error,omitempty"`
	OpenPositions    int     `json:"open_positions"`
	UptimeS          float64 `json:"uptime_s"`
}

// CommandRequest is the POST body for /api/command. CorrelationID is
// assigned by the engine when omitted.
type CommandRequest struct {
	Name          string `json:"name"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// CommandResult is the orchestra's answer to a control command.
type CommandResult struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusSnapshot is the full engine view served by /api/status and pushed
// to each websocket client on connect.
type StatusSnapshot struct {
	State         string           `json:"state"`
	SessionID     string           `json:"session_id"`
	Mode          string           `json:"mode"`
	Preset        string           `json:"preset"`
	StartedAt     time.Time        `json:"started_at"`
	UptimeS       float64          `json:"uptime_s"`
	Positions     []types.Position `json:"positions"`
	Risk          risk.Snapshot    `json:"risk"`
	LastScan      ScanSummary      `json:"last_scan"`
	Resources     ResourceStatus   `json:"resources"`
	Subscriptions []string         `json:"subscriptions"`
	Diagnostics   string           `json:"diagnostics_path"`
}

// ScanSummary describes the most recent scan cycle.
type ScanSummary struct {
	Ts         time.Time `json:"ts"`
	Universe   int       `json:"universe"`
	Candidates int       `json:"candidates"`
	Top        []string  `json:"top,omitempty"` // highest-ranked symbols, pass or fail
}

// ResourceStatus is the resource monitor's latest reading.
type ResourceStatus struct {
	RSSMB       float64 `json:"rss_mb"`
	CPUPercent  float64 `json:"cpu_percent"`
	Goroutines  int     `json:"goroutines"`
	DiskUsedPct float64 `json:"disk_used_pct"`
}
