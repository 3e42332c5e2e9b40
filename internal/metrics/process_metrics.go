package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ChildMetrics is one resource sample of a supervised child.
type ChildMetrics struct {
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChildSamplerConfig configures resource sampling of running children.
type ChildSamplerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ChildSampler periodically samples CPU and memory of running children and
// exposes them as gauges labelled by supervisor name.
type ChildSampler struct {
	enabled  bool
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	last   map[string]ChildMetrics
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec
}

func NewChildSampler(cfg ChildSamplerConfig, l *slog.Logger) *ChildSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if l == nil {
		l = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ChildSampler{
		enabled:  cfg.Enabled,
		interval: interval,
		log:      l,
		last:     make(map[string]ChildMetrics),
		stopCh:   make(chan struct{}),
		cpu:      gauge("cpu_percent", "CPU usage percentage of supervised children."),
		rss:      gauge("memory_rss_bytes", "Resident memory of supervised children."),
		threads:  gauge("num_threads", "Threads of supervised children."),
		fds:      gauge("num_fds", "Open file descriptors of supervised children (Unix only)."),
	}
}

// RegisterMetrics registers the child gauges with r.
func (c *ChildSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpu, c.rss, c.threads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.fds)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the pids returned by children every interval until ctx is
// done or Stop is called.
func (c *ChildSampler) Start(ctx context.Context, children func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(children())
			}
		}
	}()
}

func (c *ChildSampler) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every pid and drops series of children that
// are gone.
func (c *ChildSampler) Collect(children map[string]int32) {
	now := time.Now()
	fresh := make(map[string]ChildMetrics, len(children))
	for name, pid := range children {
		if pid <= 0 {
			continue
		}
		m, err := sample(name, pid, now)
		if err != nil {
			c.log.Debug("child sample failed", "spinner", name, "pid", pid, "error", err)
			continue
		}
		fresh[name] = m
		c.cpu.WithLabelValues(name).Set(m.CPUPercent)
		c.rss.WithLabelValues(name).Set(float64(m.MemoryRSS))
		c.threads.WithLabelValues(name).Set(float64(m.NumThreads))
		if m.NumFDs > 0 {
			c.fds.WithLabelValues(name).Set(float64(m.NumFDs))
		}
	}

	c.mu.Lock()
	for name := range c.last {
		if _, ok := fresh[name]; !ok {
			c.cpu.DeleteLabelValues(name)
			c.rss.DeleteLabelValues(name)
			c.threads.DeleteLabelValues(name)
			c.fds.DeleteLabelValues(name)
		}
	}
	c.last = fresh
	c.mu.Unlock()
}

// Latest returns the most recent sample for name.
func (c *ChildSampler) Latest(name string) (ChildMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.last[name]
	return m, ok
}

func sample(name string, pid int32, ts time.Time) (ChildMetrics, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ChildMetrics{}, fmt.Errorf("open pid %d: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return ChildMetrics{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, _ := p.CPUPercent()
	threads, _ := p.NumThreads()
	m := ChildMetrics{
		Name:       name,
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			m.NumFDs = n
		}
	}
	return m, nil
}
