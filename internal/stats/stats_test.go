package stats

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersConcurrentAdds(t *testing.T) {
	var c Counters
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AddBytesSent(10)
			c.IncFramesCompleted()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1000, c.LoadBytesSent())
	assert.EqualValues(t, 100, c.FramesCompleted)
}

func TestStartEndIdempotent(t *testing.T) {
	var c Counters
	c.Start()
	first := c.startedAt.Load()
	c.Start()
	assert.Equal(t, first, c.startedAt.Load())

	c.End()
	ended := c.endedAt.Load()
	c.End()
	assert.Equal(t, ended, c.endedAt.Load())
}

func TestSnapshotReflectsCounters(t *testing.T) {
	var c Counters
	c.AddBytesSent(5)
	c.AddBytesRecv(7)
	snap := c.Snapshot()
	assert.EqualValues(t, 5, snap.BytesSent)
	assert.EqualValues(t, 7, snap.BytesRecv)
}

func TestRegistryExposesCounters(t *testing.T) {
	var c Counters
	c.AddBytesSent(42)

	reg := NewRegistry(&c)
	promReg := prometheus.NewRegistry()
	reg.MustRegister(promReg)

	families, err := promReg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	var found bool
	for _, mf := range families {
		if mf.GetName() == "streamtest_bytes_sent_total" {
			found = true
			require.Len(t, mf.Metric, 1)
			assert.Equal(t, float64(42), mf.Metric[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "bytes_sent_total metric must be registered")
}
