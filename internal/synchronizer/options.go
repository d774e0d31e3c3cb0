package synchronizer

import "time"

// Status is the lifecycle state of a target.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusSuspended Status = "suspended"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusSkipped, StatusSuspended:
		return true
	}
	return false
}

// Stage is one phase of a target run.
type Stage string

const (
	StageScan     Stage = "scan"
	StageRmDup    Stage = "rmdup"
	StageRm       Stage = "rm"
	StageDirs     Stage = "dirs"
	StageFiles    Stage = "files"
	StageMetadata Stage = "metadata"
	StageCheck    Stage = "check"
)

// Stages lists the stages in execution order.
var Stages = []Stage{StageScan, StageRmDup, StageRm, StageDirs, StageFiles, StageMetadata, StageCheck}

// Options are the per-run flags of a target.
type Options struct {
	EnableScan         bool
	ForceScan          bool
	NoRemove           bool
	SkipIntegrityCheck bool
	SyncModified       bool
	SyncMode           bool
	SyncOwnership      bool
	PreserveModified   bool
	IgnoreUnreachable  bool

	NWorkers      int
	NScanWorkers  int
	NRetries      int
	RetryInterval time.Duration
	UploadLimit   int64
	DownloadLimit int64
}

// DefaultOptions scans both sides, verifies the result and keeps times.
func DefaultOptions() Options {
	return Options{
		EnableScan:       true,
		SyncModified:     true,
		PreserveModified: true,
		NWorkers:         4,
		NScanWorkers:     4,
		NRetries:         5,
		RetryInterval:    time.Second,
	}
}
