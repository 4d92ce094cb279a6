package stats

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// StatsCollector holds process-wide relay counters. All methods are safe for
// concurrent use.
type StatsCollector struct {
	StartTime time.Time

	received   atomic.Uint64
	forwarded  atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
	rejected   atomic.Uint64
	reconnects atomic.Uint64
	inFlight   atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Uptime     time.Duration `json:"-"`
	UptimeText string        `json:"uptime"`
	Received   uint64        `json:"messages_received"`
	Forwarded  uint64        `json:"messages_forwarded"`
	Failed     uint64        `json:"publish_failures"`
	Dropped    uint64        `json:"messages_dropped"`
	Rejected   uint64        `json:"messages_rejected"`
	Reconnects uint64        `json:"reconnects"`
	InFlight   int64         `json:"in_flight"`
	Rate       float64       `json:"forward_rate"`
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{StartTime: time.Now()}
}

func (s *StatsCollector) IncReceived()   { s.received.Add(1) }
func (s *StatsCollector) IncForwarded()  { s.forwarded.Add(1) }
func (s *StatsCollector) IncFailed()     { s.failed.Add(1) }
func (s *StatsCollector) IncDropped()    { s.dropped.Add(1) }
func (s *StatsCollector) IncRejected()   { s.rejected.Add(1) }
func (s *StatsCollector) IncReconnects() { s.reconnects.Add(1) }

// AddInFlight adjusts the in-flight publish count by delta and returns the new
// count.
func (s *StatsCollector) AddInFlight(delta int64) int64 { return s.inFlight.Add(delta) }

// GetStats returns current statistics
func (s *StatsCollector) GetStats() Snapshot {
	uptime := time.Since(s.StartTime)
	snap := Snapshot{
		Uptime:     uptime,
		UptimeText: uptime.Round(time.Second).String(),
		Received:   s.received.Load(),
		Forwarded:  s.forwarded.Load(),
		Failed:     s.failed.Load(),
		Dropped:    s.dropped.Load(),
		Rejected:   s.rejected.Load(),
		Reconnects: s.reconnects.Load(),
		InFlight:   s.inFlight.Load(),
	}
	if secs := uptime.Seconds(); secs > 0 {
		snap.Rate = float64(snap.Forwarded) / secs
	}
	return snap
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// Handler serves the JSON snapshot.
func (s *StatsCollector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := s.GetStatsJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
}
