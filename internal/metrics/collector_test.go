package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilCollectorIsSafe(t *testing.T) {
	t.Parallel()

	var c *Collector
	c.RunFinished("succeeded", "user_message", time.Second)
	c.RoundCreated(3)
	c.RoundFinished("finished")
	c.Generation("fake", "ok", time.Second)
	c.Preview()
	c.Reaped(2)
	c.EventPublished("queue_changed")
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("collector_test", nil)

	c.RunFinished("succeeded", "user_message", 2*time.Second)
	c.RunFinished("failed", "auto_continue", time.Second)
	c.Preview()
	c.Preview()
	c.Reaped(3)
	c.EventPublished("queue_changed")

	assert.InDelta(t, 1, testutil.ToFloat64(c.runsTotal.WithLabelValues("succeeded", "user_message")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.runsTotal.WithLabelValues("failed", "auto_continue")), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(c.previewsTotal), 1e-9)
	assert.InDelta(t, 3, testutil.ToFloat64(c.reapedTotal), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.eventsTotal.WithLabelValues("queue_changed")), 1e-9)
}
