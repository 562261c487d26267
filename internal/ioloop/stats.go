package ioloop

import (
	"sync"
	"time"

	"github.com/sparkfn/containerrt/internal/heartbeat"
)

// ioStats is IOStats from the specification: calls_completed and
// total_user_time are process-wide counters, mutated only from Manager.Run's
// goroutines; active generalizes current_input_id/current_input_started_at
// to a set, per SPEC_FULL.md's max_concurrent_inputs extension (a slot per
// concurrently-executing input, rather than a single optional field).
type ioStats struct {
	mu             sync.Mutex
	callsCompleted int64
	totalUserTime  time.Duration
	active         map[string]time.Time
}

func newIOStats() *ioStats {
	return &ioStats{active: map[string]time.Time{}}
}

// averageCallTime is total_user_time / max(calls_completed, 1), in seconds.
func (s *ioStats) averageCallTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callsCompleted == 0 {
		return 0
	}
	return s.totalUserTime.Seconds() / float64(s.callsCompleted)
}

func (s *ioStats) begin(inputID string, startedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[inputID] = startedAt
}

func (s *ioStats) end(inputID string, userTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, inputID)
	s.totalUserTime += userTime
	s.callsCompleted++
}

func (s *ioStats) callsCompletedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callsCompleted
}

// snapshot reports one active input, for the heartbeat loop. When more than
// one input slot is active (max_concurrent_inputs > 1), any one of them is
// reported: the specification only guarantees a heartbeat reflects activity,
// not which of several concurrent inputs it names.
func (s *ioStats) snapshot(taskID string) heartbeat.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.active {
		return heartbeat.Snapshot{
			TaskID:                taskID,
			CurrentInputID:        id,
			CurrentInputStartedAt: at,
			HasCurrentInput:       true,
		}
	}
	return heartbeat.Snapshot{TaskID: taskID}
}
