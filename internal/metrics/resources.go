package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a supervised process.
type Usage struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for resource sampling.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

type usageRing struct {
	buf   []Usage
	start int
	count int
}

func (r *usageRing) add(u Usage) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = u
		r.count++
		return
	}
	r.buf[r.start] = u
	r.start = (r.start + 1) % len(r.buf)
}

func (r *usageRing) latest() Usage {
	return r.buf[(r.start+r.count-1)%len(r.buf)]
}

func (r *usageRing) list() []Usage {
	out := make([]Usage, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// ResourceCollector periodically samples CPU and memory of supervised PIDs.
type ResourceCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history map[string]*usageRing
	procs   map[int32]*process.Process // cached so CPUPercent sees deltas between samples

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewResourceCollector creates a collector; it samples nothing until Start.
func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 60
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		history:    make(map[string]*usageRing),
		procs:      make(map[int32]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of supervised processes."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident memory of supervised processes."),
		numThreads: gauge("num_threads", "Number of threads of supervised processes."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of supervised processes."),
	}
}

// Enabled reports whether sampling is configured.
func (c *ResourceCollector) Enabled() bool { return c != nil && c.enabled }

// RegisterMetrics registers the resource gauges.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.Enabled() {
		return nil
	}
	return registerAll(r, []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads, c.numFDs})
}

// Start samples the PIDs returned by pids (name -> pid) every interval.
func (c *ResourceCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.Enabled() {
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
				c.Collect(pids())
			}
		}
	}()
}

// Stop ends sampling and waits for the sampling goroutine.
func (c *ResourceCollector) Stop() {
	if !c.Enabled() {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every given process and forgets the rest.
func (c *ResourceCollector) Collect(pids map[string]int32) {
	now := time.Now()
	samples := make(map[string]Usage, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := c.sample(name, pid, now)
		if err != nil {
			slog.Debug("resource sample failed", "name", name, "pid", pid, "error", err)
			continue
		}
		samples[name] = u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, u := range samples {
		c.cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
		c.memoryRSS.WithLabelValues(name).Set(float64(u.MemoryRSS))
		c.numThreads.WithLabelValues(name).Set(float64(u.NumThreads))
		if u.NumFDs > 0 {
			c.numFDs.WithLabelValues(name).Set(float64(u.NumFDs))
		}
		ring, ok := c.history[name]
		if !ok {
			ring = &usageRing{buf: make([]Usage, c.maxHistory)}
			c.history[name] = ring
		}
		ring.add(u)
	}
	for name := range c.history {
		if _, ok := samples[name]; ok {
			continue
		}
		delete(c.history, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryRSS.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.numFDs.DeleteLabelValues(name)
	}
	live := make(map[int32]struct{}, len(pids))
	for _, pid := range pids {
		live[pid] = struct{}{}
	}
	for pid := range c.procs {
		if _, ok := live[pid]; !ok {
			delete(c.procs, pid)
		}
	}
}

func (c *ResourceCollector) sample(name string, pid int32, ts time.Time) (Usage, error) {
	c.mu.Lock()
	proc, ok := c.procs[pid]
	if !ok {
		var err error
		proc, err = process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return Usage{}, fmt.Errorf("open process: %w", err)
		}
		c.procs[pid] = proc
	}
	c.mu.Unlock()

	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	u := Usage{PID: pid, Name: name, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, Timestamp: ts}
	if cpu, err := proc.Percent(0); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if n, err := proc.NumFDs(); err == nil {
		u.NumFDs = n
	}
	return u, nil
}

// Latest returns the most recent sample for name.
func (c *ResourceCollector) Latest(name string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring, ok := c.history[name]
	if !ok || ring.count == 0 {
		return Usage{}, false
	}
	return ring.latest(), true
}

// History returns the retained samples for name, oldest first.
func (c *ResourceCollector) History(name string) []Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring, ok := c.history[name]
	if !ok {
		return nil
	}
	return ring.list()
}

// All returns the latest sample of every sampled process.
func (c *ResourceCollector) All() map[string]Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Usage, len(c.history))
	for name, ring := range c.history {
		if ring.count > 0 {
			out[name] = ring.latest()
		}
	}
	return out
}
