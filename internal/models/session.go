package models

import "time"

// GatewaySession is ephemeral MCP gateway state, never persisted across
// a process restart.
type GatewaySession struct {
	ID           string
	LastActivity time.Time
	UserEmail    string // only set in remote-access mode
	Initialized  bool
}

// Idle reports whether the session has been inactive longer than ttl.
func (s *GatewaySession) Idle(ttl time.Duration, now time.Time) bool {
	return now.Sub(s.LastActivity) > ttl
}

// ExecutionLog is a persisted record of one tool invocation.
type ExecutionLog struct {
	ID         string
	ServerID   string
	ToolName   string
	Args       map[string]any // secrets redacted
	Result     string         // truncated to 10 KiB
	Stdout     string         // truncated to 10 KiB
	Stderr     string
	DurationMs int64
	Success    bool
	Actor      string
	CreatedAt  time.Time
}
