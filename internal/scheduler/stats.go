package scheduler

import "sync/atomic"

type Stats struct {
	scheduled atomic.Int64
	cancelled atomic.Int64
	fired     atomic.Int64
	skipped   atomic.Int64
	warned    atomic.Int64
	stale     atomic.Int64
	failed    atomic.Int64
}

type StatsSnapshot struct {
	Scheduled int64 `json:"scheduled"`
	Cancelled int64 `json:"cancelled"`
	Fired     int64 `json:"fired"`
	Skipped   int64 `json:"skipped"`
	Warned    int64 `json:"warned"`
	Stale     int64 `json:"stale"`
	Failed    int64 `json:"failed"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Scheduled: s.scheduled.Load(),
		Cancelled: s.cancelled.Load(),
		Fired:     s.fired.Load(),
		Skipped:   s.skipped.Load(),
		Warned:    s.warned.Load(),
		Stale:     s.stale.Load(),
		Failed:    s.failed.Load(),
	}
}
