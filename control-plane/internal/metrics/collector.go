// Package metrics provides infrastructure metrics for the control plane.
package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/fleet-net/comply-mon/control-plane/internal/store"
)

// QueueLenProvider reports the depth of the ingest buffer.
type QueueLenProvider interface {
	Len(ctx context.Context) (int64, error)
}

// ServerHealth describes the control plane's own runtime state, as opposed
// to the compliance state of the fleet it monitors.
type ServerHealth struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`

	Database DatabaseStatus `json:"database"`
	Buffer   BufferStatus   `json:"buffer"`
}

// DatabaseStatus reports store reachability.
type DatabaseStatus struct {
	Connected bool `json:"connected"`
}

// BufferStatus reports ingest buffer state.
type BufferStatus struct {
	Enabled    bool  `json:"enabled"`
	QueueDepth int64 `json:"queue_depth"`
}

// Collector gathers server health metrics with caching.
type Collector struct {
	store  store.Store
	buffer QueueLenProvider // nil when the buffer is disabled

	startTime time.Time

	mu            sync.RWMutex
	cached        *ServerHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, buffer QueueLenProvider) *Collector {
	return &Collector{
		store:         st,
		buffer:        buffer,
		startTime:     time.Now(),
		cacheDuration: 30 * time.Second,
	}
}

// ServerHealth returns current server health. Results are cached briefly so
// a dashboard polling the endpoint doesn't hammer the process sampler.
func (c *Collector) ServerHealth(ctx context.Context) (*ServerHealth, error) {
	c.mu.RLock()
	if c.cached != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cached
		c.mu.RUnlock()
		return &health, nil
	}
	c.mu.RUnlock()

	health := c.collect(ctx)

	c.mu.Lock()
	c.cached = health
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return health, nil
}

func (c *Collector) collect(ctx context.Context) *ServerHealth {
	health := &ServerHealth{
		Status:        "healthy",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}
	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}

	health.Database.Connected = c.store.Ping(ctx) == nil
	if !health.Database.Connected {
		health.Status = "degraded"
	}

	if c.buffer != nil {
		health.Buffer.Enabled = true
		if depth, err := c.buffer.Len(ctx); err == nil {
			health.Buffer.QueueDepth = depth
		}
	}

	return health
}
