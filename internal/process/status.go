package process

import "time"

// Status is a point-in-time snapshot of a Process.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitCode  int       `json:"exit_code"`
	ExitError string    `json:"exit_error,omitempty"`
}

// ExitInfo describes how a process ended.
type ExitInfo struct {
	Code     int   // exit status; -1 when killed by a signal or unknown
	Signaled bool  // terminated by a signal
	Err      error // error returned by Wait, nil on a clean exit
}

// Clean reports a normal zero-status exit.
func (e ExitInfo) Clean() bool { return e.Code == 0 && !e.Signaled && e.Err == nil }
