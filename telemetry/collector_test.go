package telemetry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingProvider struct {
	calls atomic.Int32
}

func (p *countingProvider) TableStats() (int, int, int) {
	p.calls.Add(1)
	return 3, 4, 1
}

func TestMetricsCollector_SamplesUntilStopped(t *testing.T) {
	p := &countingProvider{}
	mc := NewMetricsCollector(p, 5*time.Millisecond)
	mc.Start()

	assert.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, time.Millisecond)
	mc.Stop()

	stopped := p.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, p.calls.Load())
}

func TestMetricsCollector_NilProvider(t *testing.T) {
	mc := NewMetricsCollector(nil, time.Millisecond)
	mc.Start()
	time.Sleep(5 * time.Millisecond)
	mc.Stop()
}

func TestNoopDefaults(t *testing.T) {
	// Without InitializeTelemetry every metric must be safe to use.
	LockRequestsTotal.With("acquire", "S", "granted").Inc()
	LockWaitSeconds.With("acquire").Observe(0.1)
	UpdateLockTableStats(1, 2, 3)
	assert.Nil(t, GetMetricsHandler())
}
