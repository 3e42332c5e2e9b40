// Package config loads the nploy server configuration and route files.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/nploy/internal/auth"
	"github.com/loykin/nploy/internal/logger"
	"github.com/loykin/nploy/internal/portalloc"
	"github.com/loykin/nploy/internal/process"
	"github.com/loykin/nploy/internal/router"
)

const (
	EnvPrefix         = "NPLOY"
	DefaultRoutesFile = "nploy.cfg"
	DefaultPort       = 80
	DefaultHost       = "0.0.0.0"
	DefaultRangeFrom  = 7000
	DefaultRangeTo    = 7099
)

// ErrRoutesFile wraps parse failures of the plain-text routes file.
var ErrRoutesFile = errors.New("invalid routes file")

// Config is the top-level TOML structure.
type Config struct {
	Dir           string        `mapstructure:"dir"`
	RoutesFile    string        `mapstructure:"routes_file"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Mode          string        `mapstructure:"mode"`
	Idle          time.Duration `mapstructure:"idle"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Range         RangeConfig   `mapstructure:"range"`
	StaticPorts   bool          `mapstructure:"static_ports"`
	// Command runs every route script unless the route sets its own, e.g. "node".
	Command  string   `mapstructure:"command"`
	Output   string   `mapstructure:"output"`
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Spinner SpinnerConfig `mapstructure:"spinner"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     logger.Config `mapstructure:"log"`
	History []string      `mapstructure:"history"`
	Routes  []RouteConfig `mapstructure:"routes"`

	path string
}

type RangeConfig struct {
	From int `mapstructure:"from"`
	To   int `mapstructure:"to"`
}

// SpinnerConfig holds the defaults applied to every route.
type SpinnerConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	Attempts      int           `mapstructure:"attempts"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
}

// ServerConfig is the admin API.
type ServerConfig struct {
	Enabled  bool        `mapstructure:"enabled"`
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	Auth     auth.Config `mapstructure:"auth"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ProcessMetrics bool          `mapstructure:"process_metrics"`
	Interval       time.Duration `mapstructure:"interval"`
}

// RouteConfig is a structured [[routes]] entry.
type RouteConfig struct {
	Key         string        `mapstructure:"key"`
	Script      string        `mapstructure:"script"`
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"`
	Env         []string      `mapstructure:"env"`
	WorkDir     string        `mapstructure:"workdir"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Attempts    int           `mapstructure:"attempts"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	Output      string        `mapstructure:"output"`
	Watch       string        `mapstructure:"watch"`
	RangeFrom   int           `mapstructure:"range_from"`
	RangeTo     int           `mapstructure:"range_to"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dir", ".")
	v.SetDefault("routes_file", DefaultRoutesFile)
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("mode", string(router.ModeHostname))
	v.SetDefault("idle", router.DefaultIdleTimeout)
	v.SetDefault("sweep_interval", router.DefaultSweepInterval)
	v.SetDefault("range.from", DefaultRangeFrom)
	v.SetDefault("range.to", DefaultRangeTo)
	v.SetDefault("static_ports", false)
	v.SetDefault("command", "")
	v.SetDefault("output", string(process.OutputNone))
	v.SetDefault("use_os_env", true)
	v.SetDefault("spinner.timeout", process.DefaultTimeout)
	v.SetDefault("spinner.probe_interval", process.DefaultProbeInterval)
	v.SetDefault("spinner.attempts", process.DefaultFaultAttempts)
	v.SetDefault("spinner.stop_timeout", process.DefaultStopTimeout)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:7999")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.process_metrics", false)
	v.SetDefault("metrics.interval", 5*time.Second)
	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.timestamps", true)
}

// Load reads path (TOML) on top of the defaults. NPLOY_* environment
// variables override file values, e.g. NPLOY_PORT or NPLOY_SERVER_LISTEN.
// An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.path = path
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	switch router.Mode(c.Mode) {
	case router.ModeHostname, router.ModeApp:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if !c.PortRange().Valid() {
		return fmt.Errorf("invalid port range %d-%d", c.Range.From, c.Range.To)
	}
	switch process.OutputMode(c.Output) {
	case process.OutputNone, process.OutputInherit, process.OutputConsole:
	default:
		return fmt.Errorf("unknown output mode %q", c.Output)
	}
	seen := make(map[string]bool, len(c.Routes))
	for i, rc := range c.Routes {
		if rc.Key == "" {
			return fmt.Errorf("routes[%d]: key is required", i)
		}
		if seen[rc.Key] {
			return fmt.Errorf("routes[%d]: duplicate key %q", i, rc.Key)
		}
		seen[rc.Key] = true
	}
	return nil
}

// PortRange is the allocator range.
func (c *Config) PortRange() portalloc.Range {
	return portalloc.Range{From: c.Range.From, To: c.Range.To}
}

// Endpoint is the proxy listen address.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseDir is Dir resolved against the directory of the config file.
func (c *Config) BaseDir() string {
	if filepath.IsAbs(c.Dir) || c.path == "" {
		return c.Dir
	}
	return filepath.Join(filepath.Dir(c.path), c.Dir)
}

// RoutesPath is the routes file resolved against BaseDir.
func (c *Config) RoutesPath() string {
	if c.RoutesFile == "" || filepath.IsAbs(c.RoutesFile) {
		return c.RoutesFile
	}
	return filepath.Join(c.BaseDir(), c.RoutesFile)
}

// DefaultSpec is the spec every route starts from.
func (c *Config) DefaultSpec() process.Spec {
	return process.Spec{
		Command:       c.Command,
		Timeout:       c.Spinner.Timeout,
		ProbeInterval: c.Spinner.ProbeInterval,
		FaultAttempts: c.Spinner.Attempts,
		StopTimeout:   c.Spinner.StopTimeout,
		PortRange:     c.PortRange(),
		Output:        process.OutputMode(c.Output),
		Log:           c.Log,
	}
}

// RouterOptions builds the router configuration; logger and history are
// wired by the caller.
func (c *Config) RouterOptions() router.Options {
	return router.Options{
		Mode:          router.Mode(c.Mode),
		Dir:           c.BaseDir(),
		IdleTimeout:   c.Idle,
		SweepInterval: c.SweepInterval,
		Defaults:      c.DefaultSpec(),
	}
}

// Targets merges the routes file (when it exists) with [[routes]] entries;
// structured entries win.
func (c *Config) Targets() (map[string]router.Target, error) {
	out := make(map[string]router.Target)
	if p := c.RoutesPath(); p != "" {
		m, err := LoadRoutesFile(p)
		switch {
		case errors.Is(err, os.ErrNotExist) && len(c.Routes) > 0:
		case err != nil:
			return nil, err
		}
		for k, t := range m {
			out[k] = t
		}
	}
	for _, rc := range c.Routes {
		out[rc.Key] = rc.Target()
	}
	return out, nil
}

// Target converts the entry to a router target.
func (rc RouteConfig) Target() router.Target {
	return router.Target{
		Script:  rc.Script,
		Command: rc.Command,
		Args:    rc.Args,
		Env:     rc.Env,
		WorkDir: rc.WorkDir,
		Options: router.RouteOptions{
			Timeout:     rc.Timeout,
			Attempts:    rc.Attempts,
			StopTimeout: rc.StopTimeout,
			Output:      process.OutputMode(rc.Output),
			Watch:       rc.Watch,
			PortRange:   portalloc.Range{From: rc.RangeFrom, To: rc.RangeTo},
		},
	}
}

// LoadRoutesFile parses "key target" lines. Blank lines and lines starting
// with # are ignored; extra fields after the target are passed as arguments.
func LoadRoutesFile(path string) (map[string]router.Target, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	out := make(map[string]router.Target)
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: %s:%d: expected \"key target\"", ErrRoutesFile, path, n)
		}
		t := router.ScriptTarget(fields[1])
		if len(fields) > 2 {
			t.Args = fields[2:]
		}
		out[fields[0]] = t
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GlobalEnv merges, in increasing precedence: the OS environment (when
// use_os_env is set), env_files in order, then the env list.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		mergeKV(m, os.Environ())
	}
	for _, p := range c.EnvFiles {
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.BaseDir(), p)
		}
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		mergeKV(m, kvs)
	}
	mergeKV(m, c.Env)
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

func mergeKV(m map[string]string, kvs []string) {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
}

// LoadEnvFile parses a simple .env file of KEY=VALUE lines. Lines starting
// with # are ignored; no quoting or export syntax.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
