package client

import "time"

// StartRequest starts a run on the daemon
type StartRequest struct {
	Executable string   `json:"executable"`
	Args       []string `json:"args,omitempty"`
	SourceFile string   `json:"sourceFile,omitempty"`
	Reuse      bool     `json:"reuse,omitempty"`
}

// StartResponse identifies the run a StartRequest created or reused
type StartResponse struct {
	Handle uint64 `json:"handle"`
	ID     int    `json:"id"`
}

// Run is the daemon's view of one registry record
type Run struct {
	Handle     uint64     `json:"handle"`
	ID         int        `json:"id"`
	Running    bool       `json:"running"`
	SourceFile string     `json:"sourceFile,omitempty"`
	Command    string     `json:"command"`
	PID        int        `json:"pid,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	ExitReason string     `json:"exitReason,omitempty"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	Seconds    float64    `json:"seconds"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
