// Package perf accumulates message and byte counters and reports throughput
// at a fixed interval.
package perf

import (
	"sync/atomic"
	"time"

	"kcp-multicast/internal/logger"
)

type Stats struct {
	msgs  atomic.Uint64
	bytes atomic.Uint64
}

// Add records one message of n bytes.
func (s *Stats) Add(n int) {
	s.msgs.Add(1)
	s.bytes.Add(uint64(n))
}

// take drains the counters.
func (s *Stats) take() (uint64, uint64) {
	return s.msgs.Swap(0), s.bytes.Swap(0)
}

// Report logs the traffic seen since the previous report and resets the
// counters. elapsed is the time covered by this window.
func (s *Stats) Report(log *logger.Logger, tag string, elapsed time.Duration) {
	msgs, bytes := s.take()
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return
	}

	rate := float64(msgs) / seconds
	mbps := float64(bytes) * 8 / (seconds * 1e6)
	log.Info("%s: %d msgs in %.1fs (%.1f msgs/s), %.3f Mbps", tag, msgs, seconds, rate, mbps)
}

// Run reports every interval until stop is closed.
func (s *Stats) Run(log *logger.Logger, tag string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.Report(log, tag, now.Sub(last))
			last = now
		}
	}
}
