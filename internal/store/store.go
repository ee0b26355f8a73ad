// Package store defines the persistence contract every node coordinates
// through. Implementations must make each conditional update atomic on a
// single record and enforce the leader key's uniqueness.
package store

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// NodeStore persists node life leases.
type NodeStore interface {
	// UpsertNodeLease inserts the lease or renews LifeLeaseTill, keeping the
	// original StartedAt.
	UpsertNodeLease(ctx context.Context, lease types.NodeLease) error
	ListNodeLeases(ctx context.Context) ([]types.NodeLease, error)
	DeleteNodeLease(ctx context.Context, nodeID string) error
}

// LeaderStore persists the singleton leader lease.
type LeaderStore interface {
	// InsertLeaderLease creates the lease if none exists. created is false
	// when another node's insert won.
	InsertLeaderLease(ctx context.Context, lease types.LeaderLease) (created bool, err error)
	// GetLeaderLease returns types.ErrNotFound when no lease exists yet.
	GetLeaderLease(ctx context.Context) (*types.LeaderLease, error)
	// RenewLeaderLease extends the lease only while nodeID still holds it.
	RenewLeaderLease(ctx context.Context, nodeID string, till time.Time) (bool, error)
	// ClaimLeaderLease locks the lease for claimant, conditional on the
	// record still matching expected (holder, expiry and lock flag).
	ClaimLeaderLease(ctx context.Context, expected types.LeaderLease, claimant string) (bool, error)
	// TakeLeaderLease completes a claim: it writes the new term and unlocks
	// the record, conditional on nodeID holding the lock.
	TakeLeaderLease(ctx context.Context, nodeID string, since, till time.Time) (bool, error)
}

// JobRunFilter narrows ListJobRuns. Empty fields match everything.
type JobRunFilter struct {
	JobName string
	Status  types.Status
}

// JobStore persists JobRuns.
type JobStore interface {
	CreateJobRun(ctx context.Context, run *types.JobRun) error
	// UpdateJobRun replaces the record; types.ErrNotFound if it is missing.
	UpdateJobRun(ctx context.Context, run *types.JobRun) error
	GetJobRun(ctx context.Context, id string) (*types.JobRun, error)
	// ListJobRuns returns matches ordered by StartedAt ascending.
	ListJobRuns(ctx context.Context, filter JobRunFilter) ([]*types.JobRun, error)
}

// StepStore persists StepRuns and implements the step claim.
type StepStore interface {
	CreateStepRuns(ctx context.Context, runs []*types.StepRun) error
	UpdateStepRun(ctx context.Context, run *types.StepRun) error
	// ListStepRuns returns the StepRuns of a JobRun, optionally narrowed to
	// one step name, ordered by partition number.
	ListStepRuns(ctx context.Context, jobRunID, stepName string) ([]*types.StepRun, error)
	// ClaimStepRun atomically claims one unclaimed NEW or RUNNING StepRun for
	// nodeID. It returns nil when nothing is claimable.
	ClaimStepRun(ctx context.Context, nodeID string, now time.Time) (*types.StepRun, error)
	ListStepRunsClaimedBy(ctx context.Context, nodeID string) ([]*types.StepRun, error)
	// ReleaseStepRunClaim clears the claim if nodeID still holds it.
	// Status is left untouched.
	ReleaseStepRunClaim(ctx context.Context, stepRunID, nodeID string) (bool, error)
}

// ScheduleStore persists per-job cron state.
type ScheduleStore interface {
	// GetScheduleState returns types.ErrNotFound for unknown jobs.
	GetScheduleState(ctx context.Context, jobName string) (*types.ScheduleState, error)
	SaveScheduleState(ctx context.Context, state types.ScheduleState) error
}

// Store is the full persistence contract.
type Store interface {
	NodeStore
	LeaderStore
	JobStore
	StepStore
	ScheduleStore

	// Migrate creates tables, keys and indexes. It is idempotent.
	Migrate(ctx context.Context) error
	// Reset wipes every job, step, node, leader and schedule record.
	Reset(ctx context.Context) error
	Close() error
}
