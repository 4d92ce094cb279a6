package metrics

import (
	"sync"
	"time"

	"mqtt-kafka-bridge/internal/stats"
)

// MetricsCollector periodically copies derived stats into gauges.
type MetricsCollector struct {
	metrics  *Metrics
	stats    *stats.StatsCollector
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMetricsCollector(m *Metrics, s *stats.StatsCollector, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  m,
		stats:    s,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (c *MetricsCollector) Start() {
	c.collect()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts collection; it is safe to call more than once.
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *MetricsCollector) collect() {
	snap := c.stats.GetStats()
	c.metrics.SetUptime(snap.Uptime)
	c.metrics.SetForwardRate(snap.Rate)
	c.metrics.SetInFlight(float64(snap.InFlight))
}
