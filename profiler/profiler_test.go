package profiler

import (
	"context"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMetric_Window(t *testing.T) {
	p := New(Options{MaxSamples: 3})
	for _, v := range []float64{5, 1, 2, 3, 4} {
		p.RecordMetric("loss", v)
	}

	s := p.Snapshot()
	require.Len(t, s.Metrics, 1)
	m := s.Metrics[0]
	assert.Equal(t, "loss", m.Name)
	assert.Equal(t, 3, m.Window)
	assert.Equal(t, int64(5), m.Count)
	assert.InDelta(t, 3.0, m.Mean, 1e-9)
	assert.Equal(t, 4.0, m.Last)
	assert.Equal(t, 1.0, m.Min)
	assert.Equal(t, 5.0, m.Max)
}

func TestStartOperation(t *testing.T) {
	p := New(Options{})
	done := p.StartOperation("assign")
	time.Sleep(2 * time.Millisecond)
	done()
	p.RecordDuration("assign", time.Second)

	s := p.Snapshot()
	require.Len(t, s.Timings, 1)
	assert.Equal(t, int64(2), s.Timings[0].Count)
	assert.GreaterOrEqual(t, s.Timings[0].Min, 0.002)
	assert.Equal(t, 1.0, s.Timings[0].Max)
}

func TestSnapshot_SortedAndConcurrent(t *testing.T) {
	p := New(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				p.RecordMetric([]string{"b", "a", "c"}[k%3], float64(i))
			}
		}(i)
	}
	wg.Wait()

	s := p.Snapshot()
	require.Len(t, s.Metrics, 3)
	assert.Equal(t, "a", s.Metrics[0].Name)
	assert.Equal(t, "c", s.Metrics[2].Name)
	var total int64
	for _, m := range s.Metrics {
		total += m.Count
	}
	assert.Equal(t, int64(800), total)
}

func TestReport(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := New(Options{Logger: logger})
	p.RecordMetric("accuracy", 0.5)
	p.RecordDuration("step", time.Millisecond)

	p.Report()
	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, "profiler report", entries[0].Message)
	assert.Equal(t, "accuracy", entries[1].Data["metric"])
	assert.Equal(t, "step", entries[2].Data["operation"])
	assert.Equal(t, log.InfoLevel, entries[2].Level)
}

func TestRun_ReportsOnCancel(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := New(Options{Logger: logger, ReportInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)
	require.NotEmpty(t, hook.AllEntries())
	assert.Equal(t, "profiler report", hook.LastEntry().Message)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2<<20))
}
