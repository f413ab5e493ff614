package store

import (
	"context"
	"errors"

	"github.com/seantiz/shipwright/internal/model"
)

var (
	// ErrNotFound is returned when a run or artifact record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when a run state transition is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrVersionConflict is returned by CompareAndSwapArtifact when the stored
	// version no longer matches the expected one.
	ErrVersionConflict = errors.New("artifact version conflict")
)

// ArtifactStore maps task IDs to the artifact published for them.
//
// Writes are atomic per key: concurrent writers on different task IDs never
// lose each other's updates, and a write is visible to every later read.
type ArtifactStore interface {
	// GetArtifact returns ErrNotFound when no record exists for taskID.
	GetArtifact(ctx context.Context, taskID string) (*model.ArtifactRecord, error)

	// PutArtifact upserts the record, overwriting any existing one and bumping
	// its version.
	PutArtifact(ctx context.Context, taskID string, rec model.ArtifactRecord) error

	// CompareAndSwapArtifact writes rec only if the stored version equals
	// expectedVersion. An expectedVersion of 0 means the record must not exist.
	CompareAndSwapArtifact(ctx context.Context, taskID string, expectedVersion int64, rec model.ArtifactRecord) error

	Close() error
}

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total        int            `json:"total"`
	CountByState map[string]int `json:"count_by_state"`
	CountByRound map[int]int    `json:"count_by_round"`
}

// RunStore is the durable outcome log of pipeline runs.
type RunStore interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	LatestRunForTask(ctx context.Context, taskID string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertRunEvent(ctx context.Context, runID string, seq int, state, message string) error
	GetRunEvents(ctx context.Context, runID string) ([]model.RunEvent, error)
	Ping(ctx context.Context) error
	Close() error
}
