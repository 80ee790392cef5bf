package model

import "time"

// RunState is the lifecycle state of a batch migration run for one collection.
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStatePaused    RunState = "paused"
)

// MigrationProgress is the persisted progress record for one collection's
// backfill. The cursor is committed after each batch, so a crash mid-run
// resumes from the last committed batch.
type MigrationProgress struct {
	Collection  string     `bson:"_id" json:"collection"`
	RunID       string     `bson:"run_id" json:"runId"`
	State       RunState   `bson:"state" json:"state"`
	Cursor      string     `bson:"cursor" json:"cursor"`
	Migrated    int64      `bson:"migrated" json:"migrated"`
	Failed      int64      `bson:"failed" json:"failed"`
	Skipped     int64      `bson:"skipped" json:"skipped"`
	StartedAt   time.Time  `bson:"started_at" json:"startedAt"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
	LastError   string     `bson:"last_error,omitempty" json:"lastError,omitempty"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updatedAt"`
}

// Resumable reports whether a new run should pick up this record's cursor
// instead of starting from the beginning.
func (p *MigrationProgress) Resumable() bool {
	switch p.State {
	case RunStateRunning, RunStatePaused, RunStateFailed:
		return p.Cursor != ""
	default:
		return false
	}
}

// Done reports whether the backfill for this collection has finished.
func (p *MigrationProgress) Done() bool {
	return p.State == RunStateCompleted
}

// Processed returns the total number of documents the run has accounted for.
func (p *MigrationProgress) Processed() int64 {
	return p.Migrated + p.Failed + p.Skipped
}
