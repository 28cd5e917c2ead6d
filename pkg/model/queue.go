package model

import "time"

// QueueEntryStatus is the lifecycle status of a QueueEntry.
type QueueEntryStatus string

const (
	QueueStatusPending QueueEntryStatus = "pending"
	QueueStatusClaimed QueueEntryStatus = "claimed"
	QueueStatusFailed  QueueEntryStatus = "failed"
)

// QueueEntry is one row of pending (or failed) work for a single
// (image_id, pipeline) pair. Successfully processed entries are deleted,
// not retained — see spec §3.
type QueueEntry struct {
	ID             int64
	ImageID        int64
	Pipeline       PipelineKind
	Priority       int
	EnqueuedAt     time.Time
	AttemptCount   int
	Status         QueueEntryStatus
	ClaimToken     string
	ClaimExpiresAt *time.Time
}

// WorkerSnapshot is the persisted per-pipeline record the Orchestrator
// exclusively owns: the desired lifecycle state to restore on restart, plus
// running counters.
type WorkerSnapshot struct {
	Pipeline          PipelineKind
	DesiredState      DesiredState
	LastChangedAt     time.Time
	Processed         int64
	Failed            int64
	Skipped           int64
	TotalEverEnqueued int64
}

// PipelineCounters is the subset of WorkerSnapshot surfaced in progress
// events and status reports, plus the last error kind observed.
type PipelineCounters struct {
	Processed      int64
	Failed         int64
	Skipped        int64
	LastErrorKind  ErrorKind
	QueueDepth     int64
	ThroughputPerM float64
	ETASeconds     float64
	VRAMUsedGB     float64
}
