package domain

import "time"

// ProcessStatus represents the lifecycle state of a shell session.
type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusKilled    ProcessStatus = "killed"
)

// ProcessRequest describes a command a plugin asked the host to run.
// Env is the complete environment; nil inherits the host's.
type ProcessRequest struct {
	PluginID string   `json:"pluginId"`
	Command  string   `json:"command"`
	Args     []string `json:"args,omitempty"`
	Dir      string   `json:"cwd,omitempty"`
	Env      []string `json:"-"`
	Stdin    string   `json:"-"`
}

// ProcessSession is a background process started through shell.spawn.
type ProcessSession struct {
	ID        string        `json:"id"`
	PluginID  string        `json:"pluginId"`
	Command   string        `json:"command"`
	Args      []string      `json:"args"`
	Dir       string        `json:"cwd,omitempty"`
	PID       int           `json:"pid"`
	Status    ProcessStatus `json:"status"`
	ExitCode  *int          `json:"exitCode,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
}

// ProcessPollResult carries output produced since the previous poll.
type ProcessPollResult struct {
	SessionID string        `json:"sessionId"`
	Status    ProcessStatus `json:"status"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  *int          `json:"exitCode,omitempty"`
}

// ExecResult is the outcome of a command run to completion.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMS int64  `json:"durationMs"`
}
