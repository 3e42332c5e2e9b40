package client

import "time"

// StartRequest mirrors the spec accepted by POST /start.
type StartRequest struct {
	Name          string        `json:"name"`
	Command       string        `json:"command,omitempty"`
	Script        string        `json:"script,omitempty"`
	Args          []string      `json:"args,omitempty"`
	Env           []string      `json:"env,omitempty"`
	WorkDir       string        `json:"work_dir,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	ProbeAttempts int           `json:"probe_attempts,omitempty"`
	Attempts      int           `json:"attempts,omitempty"`
	StopTimeout   time.Duration `json:"stop_timeout,omitempty"`
	Watch         string        `json:"watch,omitempty"`
	Output        string        `json:"output,omitempty"`
}

// StartResponse is the answer of a successful start.
type StartResponse struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

// Status is the state of one supervised application.
type Status struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	State     string    `json:"state"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	RunID     string    `json:"run_id,omitempty"`
	Faults    int       `json:"faults"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Target is a route target as accepted by PUT /routes.
type Target struct {
	Script  string   `json:"script"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Route is one entry of GET /routes.
type Route struct {
	Key        string    `json:"key"`
	Script     string    `json:"script"`
	WWW        bool      `json:"www"`
	Status     string    `json:"status"`
	Port       int       `json:"port"`
	PID        int       `json:"pid"`
	LastAccess time.Time `json:"last_access,omitempty"`
}

// Token is returned by POST /login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
