// Package profiler - timing and metric tracking for training steps.
package profiler

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Options configures a Profiler.
type Options struct {
	// ReportInterval is the period of background reports started by Run (default: 10s).
	ReportInterval time.Duration
	// MaxSamples bounds the window each tracker keeps (default: 1000).
	MaxSamples int
	// Logger receives reports. Defaults to the standard logrus logger.
	Logger log.FieldLogger
}

// Profiler collects operation timings and scalar metrics such as loss,
// accuracy or sample counts. It is safe for concurrent use.
type Profiler struct {
	reportInterval time.Duration
	maxSamples     int
	logger         log.FieldLogger

	mu        sync.Mutex
	startTime time.Time
	metrics   map[string]*tracker
	timings   map[string]*tracker
}

// tracker keeps a sliding window of values plus lifetime extremes.
type tracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

func (t *tracker) add(v float64, window int) {
	if t.count == 0 || v < t.min {
		t.min = v
	}
	if t.count == 0 || v > t.max {
		t.max = v
	}
	t.values = append(t.values, v)
	t.sum += v
	if len(t.values) > window {
		t.sum -= t.values[0]
		t.values = t.values[1:]
	}
	t.count++
}

func (t *tracker) stats(name string) Stats {
	s := Stats{Name: name, Min: t.min, Max: t.max, Count: t.count, Window: len(t.values)}
	if len(t.values) > 0 {
		s.Mean = t.sum / float64(len(t.values))
		s.Last = t.values[len(t.values)-1]
	}
	return s
}

// Stats summarises one tracker. Mean and Last cover the sliding window,
// Min, Max and Count the whole lifetime.
type Stats struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Last   float64 `json:"last"`
	Count  int64   `json:"count"`
	Window int     `json:"window"`
}

// Snapshot is a point-in-time copy of every tracker, sorted by name.
type Snapshot struct {
	Uptime     time.Duration `json:"uptime"`
	Goroutines int           `json:"goroutines"`
	HeapAlloc  uint64        `json:"heap_alloc"`
	Metrics    []Stats       `json:"metrics"`
	// Timings are in seconds.
	Timings []Stats `json:"timings"`
}

// New creates a Profiler.
func New(opts Options) *Profiler {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 10 * time.Second
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 1000
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Profiler{
		reportInterval: opts.ReportInterval,
		maxSamples:     opts.MaxSamples,
		logger:         opts.Logger,
		startTime:      time.Now(),
		metrics:        make(map[string]*tracker),
		timings:        make(map[string]*tracker),
	}
}

// RecordMetric adds a value to the named metric.
func (p *Profiler) RecordMetric(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackerOf(p.metrics, name).add(value, p.maxSamples)
}

// StartOperation begins timing an operation.
//
// Returns:
//   - A function to call when the operation completes.
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.RecordDuration(name, time.Since(start))
	}
}

// RecordDuration adds a completed operation time.
func (p *Profiler) RecordDuration(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackerOf(p.timings, name).add(d.Seconds(), p.maxSamples)
}

func (p *Profiler) trackerOf(m map[string]*tracker, name string) *tracker {
	t, ok := m[name]
	if !ok {
		t = &tracker{values: make([]float64, 0, min(p.maxSamples, 64))}
		m[name] = t
	}
	return t
}

// Snapshot copies the current statistics.
func (p *Profiler) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Uptime:     time.Since(p.startTime),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		Metrics:    collect(p.metrics),
		Timings:    collect(p.timings),
	}
}

func collect(m map[string]*tracker) []Stats {
	out := make([]Stats, 0, len(m))
	for name, t := range m {
		out = append(out, t.stats(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Report logs the current snapshot, one entry per tracker.
func (p *Profiler) Report() {
	s := p.Snapshot()
	p.logger.WithFields(log.Fields{
		"uptime":     s.Uptime.Truncate(time.Millisecond),
		"goroutines": s.Goroutines,
		"heap":       formatBytes(s.HeapAlloc),
	}).Info("profiler report")
	for _, m := range s.Metrics {
		p.logger.WithFields(log.Fields{
			"metric": m.Name,
			"mean":   fmt.Sprintf("%.4f", m.Mean),
			"min":    fmt.Sprintf("%.4f", m.Min),
			"max":    fmt.Sprintf("%.4f", m.Max),
			"count":  m.Count,
		}).Info("metric")
	}
	for _, op := range s.Timings {
		p.logger.WithFields(log.Fields{
			"operation": op.Name,
			"avg":       seconds(op.Mean),
			"min":       seconds(op.Min),
			"max":       seconds(op.Max),
			"count":     op.Count,
		}).Info("timing")
	}
}

// Run reports every ReportInterval until ctx is done, then reports once more.
func (p *Profiler) Run(ctx context.Context) {
	ticker := time.NewTicker(p.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Report()
			return
		case <-ticker.C:
			p.Report()
		}
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Truncate(time.Microsecond)
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
