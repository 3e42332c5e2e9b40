package router

import (
	"time"

	"github.com/loykin/nploy/internal/portalloc"
	"github.com/loykin/nploy/internal/process"
)

// Target is what a route runs. A bare string target is Target{Script: s}.
type Target struct {
	Script  string       `json:"script" mapstructure:"script"`
	Command string       `json:"command,omitempty" mapstructure:"command"`
	Args    []string     `json:"args,omitempty" mapstructure:"args"`
	Env     []string     `json:"env,omitempty" mapstructure:"env"`
	WorkDir string       `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Options RouteOptions `json:"options,omitempty" mapstructure:"options"`
}

// ScriptTarget is the target of a plain "key script" route line.
func ScriptTarget(script string) Target { return Target{Script: script} }

// RouteOptions override the router defaults for one route. Zero values inherit.
type RouteOptions struct {
	Timeout       time.Duration      `json:"timeout,omitempty" mapstructure:"timeout"`
	ProbeAttempts int                `json:"probe_attempts,omitempty" mapstructure:"probe_attempts"`
	Attempts      int                `json:"attempts,omitempty" mapstructure:"attempts"`
	StopTimeout   time.Duration      `json:"stop_timeout,omitempty" mapstructure:"stop_timeout"`
	Output        process.OutputMode `json:"output,omitempty" mapstructure:"output"`
	// Watch restarts the child when this file changes. "script" watches the
	// route's own script.
	Watch     string          `json:"watch,omitempty" mapstructure:"watch"`
	PortRange portalloc.Range `json:"port_range,omitempty" mapstructure:"port_range"`
}

func (o RouteOptions) apply(spec process.Spec) process.Spec {
	if o.Timeout > 0 {
		spec.Timeout = o.Timeout
		// re-derive from the new timeout unless set explicitly
		spec.ProbeAttempts = 0
	}
	if o.ProbeAttempts > 0 {
		spec.ProbeAttempts = o.ProbeAttempts
	}
	if o.Attempts > 0 {
		spec.FaultAttempts = o.Attempts
	}
	if o.StopTimeout > 0 {
		spec.StopTimeout = o.StopTimeout
	}
	if o.Output != "" {
		spec.Output = o.Output
	}
	switch o.Watch {
	case "":
	case "script":
		spec.Watch = spec.Script
	default:
		spec.Watch = o.Watch
	}
	if o.PortRange.Valid() {
		spec.PortRange = o.PortRange
	}
	return spec
}
