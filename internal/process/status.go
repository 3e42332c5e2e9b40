package process

import "time"

// Status is a point-in-time view of one child incarnation.
type Status struct {
	Name      string    `json:"name"`
	RunID     string    `json:"run_id"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitErr   error     `json:"-"`
}
