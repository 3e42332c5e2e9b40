package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/loykin/nploy/internal/logger"
	"github.com/loykin/nploy/internal/portalloc"
)

var (
	// ErrScriptNotFound is returned when the configured script does not exist.
	ErrScriptNotFound = errors.New("script not found")
	// ErrEmptyCommand is returned when neither Command nor Script is set.
	ErrEmptyCommand = errors.New("empty command")
	// ErrInvalidSpec wraps the other Validate failures.
	ErrInvalidSpec = errors.New("invalid spec")
)

// OutputMode selects where child stdout/stderr go when no log files are set.
type OutputMode string

const (
	OutputNone    OutputMode = "none"    // discard
	OutputInherit OutputMode = "inherit" // share the supervisor's stdout/stderr
	OutputConsole OutputMode = "console" // one slog record per line
)

// Defaults applied by WithDefaults.
const (
	DefaultTimeout         = 5 * time.Second
	DefaultFaultAttempts   = 3
	DefaultStopTimeout     = 5 * time.Second
	DefaultProbeInterval   = 500 * time.Millisecond
	DefaultProbeMaxBackoff = 4 * time.Second
)

// Spec describes a supervised child.
//
// The program is Command (split with shell quoting rules) followed by Script
// and Args. Script, when set, must exist on disk; it is resolved against
// WorkDir when relative.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command,omitempty" mapstructure:"command"`
	Script  string   `json:"script,omitempty" mapstructure:"script"`
	Args    []string `json:"args,omitempty" mapstructure:"args"`
	Env     []string `json:"env,omitempty" mapstructure:"env"`
	WorkDir string   `json:"work_dir,omitempty" mapstructure:"work_dir"`

	// Timeout bounds readiness. When ProbeAttempts is zero it is derived as
	// Timeout in seconds times two.
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	ProbeAttempts   int           `json:"probe_attempts,omitempty" mapstructure:"probe_attempts"`
	ProbeInterval   time.Duration `json:"probe_interval,omitempty" mapstructure:"probe_interval"`
	ProbeMaxBackoff time.Duration `json:"probe_max_backoff,omitempty" mapstructure:"probe_max_backoff"`

	// FaultAttempts is how many consecutive failed starts are tolerated before
	// the supervisor stays faulted.
	FaultAttempts int           `json:"attempts" mapstructure:"attempts"`
	StopTimeout   time.Duration `json:"stop_timeout" mapstructure:"stop_timeout"`

	// Watch restarts the child when this file changes.
	Watch string `json:"watch,omitempty" mapstructure:"watch"`

	PortRange portalloc.Range `json:"port_range" mapstructure:"port_range"`
	Output    OutputMode      `json:"output,omitempty" mapstructure:"output"`
	Log       logger.Config   `json:"log" mapstructure:"log"`
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (s Spec) WithDefaults() Spec {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.ProbeAttempts <= 0 {
		s.ProbeAttempts = int(s.Timeout.Seconds() * 2)
		if s.ProbeAttempts < 1 {
			s.ProbeAttempts = 1
		}
	}
	if s.ProbeInterval <= 0 {
		s.ProbeInterval = DefaultProbeInterval
	}
	if s.ProbeMaxBackoff <= 0 {
		s.ProbeMaxBackoff = DefaultProbeMaxBackoff
	}
	if s.FaultAttempts <= 0 {
		s.FaultAttempts = DefaultFaultAttempts
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	if s.Output == "" {
		s.Output = OutputNone
	}
	return s
}

// ScriptPath returns Script resolved against WorkDir.
func (s Spec) ScriptPath() string {
	if s.Script == "" || filepath.IsAbs(s.Script) || s.WorkDir == "" {
		return s.Script
	}
	return filepath.Join(s.WorkDir, s.Script)
}

// Validate checks the spec can produce a command.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Command) == "" && s.Script == "" {
		return ErrEmptyCommand
	}
	switch s.Output {
	case "", OutputNone, OutputInherit, OutputConsole:
	default:
		return fmt.Errorf("%w: unknown output mode %q", ErrInvalidSpec, s.Output)
	}
	return nil
}

// CheckScript reports ErrScriptNotFound when Script is set but missing.
func (s Spec) CheckScript() error {
	p := s.ScriptPath()
	if p == "" {
		return nil
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, p)
		}
		return err
	}
	return nil
}

// shellMeta are characters that need a real shell to mean anything.
const shellMeta = "|&;<>*?`$()"

// BuildCommand constructs an *exec.Cmd for the spec.
// An explicit "sh -c <script>" prefix is honored as-is. A Command with shell
// metacharacters runs under /bin/sh -c with Script and Args quoted onto it.
// Otherwise Command is split with POSIX shell quoting rules and Script and
// Args are appended.
func (s Spec) BuildCommand() (*exec.Cmd, error) {
	cmdStr := strings.TrimSpace(s.Command)
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC), nil
	}
	if strings.ContainsAny(cmdStr, shellMeta) {
		line := cmdStr
		if rest := s.trailingArgs(); len(rest) > 0 {
			line += " " + shellquote.Join(rest...)
		}
		return getShellCommand(line), nil
	}
	var argv []string
	if cmdStr != "" {
		words, err := shellquote.Split(cmdStr)
		if err != nil {
			return nil, fmt.Errorf("parse command %q: %w", cmdStr, err)
		}
		argv = append(argv, words...)
	}
	argv = append(argv, s.trailingArgs()...)
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	// #nosec G204
	return exec.Command(argv[0], argv[1:]...), nil
}

func (s Spec) trailingArgs() []string {
	var out []string
	if sp := s.ScriptPath(); sp != "" {
		out = append(out, sp)
	}
	return append(out, s.Args...)
}

// CommandLine renders the argv the spec would execute, quoted for display.
func (s Spec) CommandLine() string {
	cmd, err := s.BuildCommand()
	if err != nil {
		return ""
	}
	return shellquote.Join(cmd.Args...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes. It returns
// (shell, afterCArg, true) when matched, with one pair of surrounding quotes
// stripped from the argument.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
