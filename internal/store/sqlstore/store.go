// Package sqlstore implements store.Store on database/sql for PostgreSQL
// (pgx) and SQLite (modernc). Conditional updates are single UPDATE
// statements whose WHERE clause carries the expected state, so the row count
// tells the caller whether it won.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-batch/internal/store"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// Store is a SQL-backed store.Store.
type Store struct {
	db *sql.DB
	d  dialect
}

var _ store.Store = (*Store)(nil)

// Open connects using the named dialect ("postgres" or "sqlite").
func Open(dialectName, dsn string) (*Store, error) {
	d, err := lookupDialect(dialectName)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store/sql: open %s: %w", d.name, err)
	}
	if d.singleConn {
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, d: d}, nil
}

// New wraps an existing handle. The caller keeps ownership of db settings.
func New(db *sql.DB, dialectName string) (*Store, error) {
	d, err := lookupDialect(dialectName)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, d: d}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func wrap(op string, err error) error {
	return fmt.Errorf("store/sql: %s: %w: %w", op, types.ErrStore, err)
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return 0, wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(op, err)
	}
	return n, nil
}

// Migrate creates tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrap("migrate", err)
		}
	}
	return nil
}

// Reset deletes every row from every table.
func (s *Store) Reset(ctx context.Context) error {
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return wrap("reset "+t, err)
		}
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================================
// Node leases
// ============================================================================

func (s *Store) UpsertNodeLease(ctx context.Context, lease types.NodeLease) error {
	_, err := s.exec(ctx, "upsert node lease", `
		INSERT INTO beaver_node_leases (id, started_at, life_lease_till)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET life_lease_till = excluded.life_lease_till`,
		lease.ID, types.ToMillis(lease.StartedAt), types.ToMillis(lease.LifeLeaseTill),
	)
	return err
}

func (s *Store) ListNodeLeases(ctx context.Context) ([]types.NodeLease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, life_lease_till
		FROM beaver_node_leases
		ORDER BY started_at, id`)
	if err != nil {
		return nil, wrap("list node leases", err)
	}
	defer rows.Close()

	var out []types.NodeLease
	for rows.Next() {
		var (
			n             types.NodeLease
			started, till int64
		)
		if err := rows.Scan(&n.ID, &started, &till); err != nil {
			return nil, wrap("scan node lease", err)
		}
		n.StartedAt = types.FromMillis(started)
		n.LifeLeaseTill = types.FromMillis(till)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate node leases", err)
	}
	return out, nil
}

func (s *Store) DeleteNodeLease(ctx context.Context, nodeID string) error {
	_, err := s.exec(ctx, "delete node lease", `DELETE FROM beaver_node_leases WHERE id = ?`, nodeID)
	return err
}

// ============================================================================
// Leader lease
// ============================================================================

func (s *Store) InsertLeaderLease(ctx context.Context, lease types.LeaderLease) (bool, error) {
	n, err := s.exec(ctx, "insert leader lease", `
		INSERT INTO beaver_leader_lease (lease_key, leader_node_id, leader_since, leader_lease_till, locked)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (lease_key) DO NOTHING`,
		types.LeaderKey, lease.LeaderNodeID,
		types.ToMillis(lease.LeaderSince), types.ToMillis(lease.LeaderLeaseTill), false,
	)
	return n == 1, err
}

func (s *Store) GetLeaderLease(ctx context.Context) (*types.LeaderLease, error) {
	var (
		l           types.LeaderLease
		since, till int64
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT lease_key, leader_node_id, leader_since, leader_lease_till, locked
		FROM beaver_leader_lease
		WHERE lease_key = ?`), types.LeaderKey,
	).Scan(&l.Key, &l.LeaderNodeID, &since, &till, &l.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("leader lease: %w", types.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get leader lease", err)
	}
	l.LeaderSince = types.FromMillis(since)
	l.LeaderLeaseTill = types.FromMillis(till)
	return &l, nil
}

func (s *Store) RenewLeaderLease(ctx context.Context, nodeID string, till time.Time) (bool, error) {
	n, err := s.exec(ctx, "renew leader lease", `
		UPDATE beaver_leader_lease
		SET leader_lease_till = ?, locked = ?
		WHERE lease_key = ? AND leader_node_id = ?`,
		types.ToMillis(till), false, types.LeaderKey, nodeID,
	)
	return n == 1, err
}

func (s *Store) ClaimLeaderLease(ctx context.Context, expected types.LeaderLease, claimant string) (bool, error) {
	n, err := s.exec(ctx, "claim leader lease", `
		UPDATE beaver_leader_lease
		SET leader_node_id = ?, locked = ?
		WHERE lease_key = ?
		  AND leader_node_id = ?
		  AND leader_lease_till = ?
		  AND locked = ?`,
		claimant, true,
		types.LeaderKey, expected.LeaderNodeID, types.ToMillis(expected.LeaderLeaseTill), expected.Locked,
	)
	return n == 1, err
}

func (s *Store) TakeLeaderLease(ctx context.Context, nodeID string, since, till time.Time) (bool, error) {
	n, err := s.exec(ctx, "take leader lease", `
		UPDATE beaver_leader_lease
		SET leader_since = ?, leader_lease_till = ?, locked = ?
		WHERE lease_key = ? AND leader_node_id = ? AND locked = ?`,
		types.ToMillis(since), types.ToMillis(till), false,
		types.LeaderKey, nodeID, true,
	)
	return n == 1, err
}

// ============================================================================
// Job runs
// ============================================================================

const jobRunColumns = `id, job_name, args, status, started_at, completed_at, last_update_at,
	current_step_name, current_step_partition_count, current_step_partitions_completed_count, error`

type scanner interface {
	Scan(dest ...any) error
}

func marshalArgs(a types.Args) (string, error) {
	if a == nil {
		return "{}", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalArgs(raw string) (types.Args, error) {
	var a types.Args
	if raw == "" {
		return a, nil
	}
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, err
	}
	return a, nil
}

func scanJobRun(sc scanner) (*types.JobRun, error) {
	var (
		r                        types.JobRun
		args, status             string
		started, completed, last int64
	)
	if err := sc.Scan(&r.ID, &r.JobName, &args, &status, &started, &completed, &last,
		&r.CurrentStepName, &r.CurrentStepPartitionCount, &r.CurrentStepPartitionsCompletedCount, &r.Error); err != nil {
		return nil, err
	}
	a, err := unmarshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("decode args of job run %s: %w", r.ID, err)
	}
	r.Args = a
	r.Status = types.Status(status)
	r.StartedAt = types.FromMillis(started)
	r.CompletedAt = types.FromMillis(completed)
	r.LastUpdateAt = types.FromMillis(last)
	return &r, nil
}

func (s *Store) CreateJobRun(ctx context.Context, run *types.JobRun) error {
	args, err := marshalArgs(run.Args)
	if err != nil {
		return fmt.Errorf("store/sql: encode args: %w", err)
	}
	_, err = s.exec(ctx, "create job run", `
		INSERT INTO beaver_job_runs (`+jobRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobName, args, string(run.Status),
		types.ToMillis(run.StartedAt), types.ToMillis(run.CompletedAt), types.ToMillis(run.LastUpdateAt),
		run.CurrentStepName, run.CurrentStepPartitionCount, run.CurrentStepPartitionsCompletedCount, run.Error,
	)
	return err
}

func (s *Store) UpdateJobRun(ctx context.Context, run *types.JobRun) error {
	args, err := marshalArgs(run.Args)
	if err != nil {
		return fmt.Errorf("store/sql: encode args: %w", err)
	}
	n, err := s.exec(ctx, "update job run", `
		UPDATE beaver_job_runs SET
			job_name = ?, args = ?, status = ?,
			started_at = ?, completed_at = ?, last_update_at = ?,
			current_step_name = ?, current_step_partition_count = ?,
			current_step_partitions_completed_count = ?, error = ?
		WHERE id = ?`,
		run.JobName, args, string(run.Status),
		types.ToMillis(run.StartedAt), types.ToMillis(run.CompletedAt), types.ToMillis(run.LastUpdateAt),
		run.CurrentStepName, run.CurrentStepPartitionCount,
		run.CurrentStepPartitionsCompletedCount, run.Error,
		run.ID,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job run %s: %w", run.ID, types.ErrNotFound)
	}
	return nil
}

func (s *Store) GetJobRun(ctx context.Context, id string) (*types.JobRun, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+jobRunColumns+` FROM beaver_job_runs WHERE id = ?`), id)
	r, err := scanJobRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job run %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get job run", err)
	}
	return r, nil
}

func (s *Store) ListJobRuns(ctx context.Context, filter store.JobRunFilter) ([]*types.JobRun, error) {
	query := `SELECT ` + jobRunColumns + ` FROM beaver_job_runs WHERE 1 = 1`
	var args []any
	if filter.JobName != "" {
		query += ` AND job_name = ?`
		args = append(args, filter.JobName)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at, id`

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, wrap("list job runs", err)
	}
	defer rows.Close()

	var out []*types.JobRun
	for rows.Next() {
		r, err := scanJobRun(rows)
		if err != nil {
			return nil, wrap("scan job run", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate job runs", err)
	}
	return out, nil
}

// ============================================================================
// Step runs
// ============================================================================

const stepRunColumns = `id, job_run_id, job_name, step_name,
	partition_num, partition_total, partition_args, args,
	claimed, claiming_node_id, status, started_at, completed_at, last_update_at,
	items_processed, retry_count, error`

func scanStepRun(sc scanner) (*types.StepRun, error) {
	var (
		r                        types.StepRun
		pNum, pTotal             sql.NullInt64
		pArgs                    sql.NullString
		args, status             string
		started, completed, last int64
	)
	if err := sc.Scan(&r.ID, &r.JobRunID, &r.JobName, &r.StepName,
		&pNum, &pTotal, &pArgs, &args,
		&r.Claimed, &r.ClaimingNodeID, &status, &started, &completed, &last,
		&r.ItemsProcessed, &r.RetryCount, &r.Error); err != nil {
		return nil, err
	}
	a, err := unmarshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("decode args of step run %s: %w", r.ID, err)
	}
	r.Args = a
	if pNum.Valid {
		pa, err := unmarshalArgs(pArgs.String)
		if err != nil {
			return nil, fmt.Errorf("decode partition args of step run %s: %w", r.ID, err)
		}
		r.Partition = &types.Partition{Num: int(pNum.Int64), Total: int(pTotal.Int64), Args: pa}
	}
	r.Status = types.Status(status)
	r.StartedAt = types.FromMillis(started)
	r.CompletedAt = types.FromMillis(completed)
	r.LastUpdateAt = types.FromMillis(last)
	return &r, nil
}

// stepRunValues returns the column values of r in stepRunColumns order.
func stepRunValues(r *types.StepRun) ([]any, error) {
	args, err := marshalArgs(r.Args)
	if err != nil {
		return nil, err
	}
	var pNum, pTotal, pArgs any
	if r.Partition != nil {
		pa, err := marshalArgs(r.Partition.Args)
		if err != nil {
			return nil, err
		}
		pNum, pTotal, pArgs = r.Partition.Num, r.Partition.Total, pa
	}
	return []any{
		r.ID, r.JobRunID, r.JobName, r.StepName,
		pNum, pTotal, pArgs, args,
		r.Claimed, r.ClaimingNodeID, string(r.Status),
		types.ToMillis(r.StartedAt), types.ToMillis(r.CompletedAt), types.ToMillis(r.LastUpdateAt),
		r.ItemsProcessed, r.RetryCount, r.Error,
	}, nil
}

func (s *Store) CreateStepRuns(ctx context.Context, runs []*types.StepRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin create step runs", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := s.d.rebind(`INSERT INTO beaver_step_runs (` + stepRunColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, r := range runs {
		vals, err := stepRunValues(r)
		if err != nil {
			return fmt.Errorf("store/sql: encode step run %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, vals...); err != nil {
			return wrap("create step run", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit create step runs", err)
	}
	return nil
}

func (s *Store) UpdateStepRun(ctx context.Context, run *types.StepRun) error {
	vals, err := stepRunValues(run)
	if err != nil {
		return fmt.Errorf("store/sql: encode step run %s: %w", run.ID, err)
	}
	// drop the id from the front and bind it to the WHERE clause instead
	vals = append(vals[1:], run.ID)
	n, err := s.exec(ctx, "update step run", `
		UPDATE beaver_step_runs SET
			job_run_id = ?, job_name = ?, step_name = ?,
			partition_num = ?, partition_total = ?, partition_args = ?, args = ?,
			claimed = ?, claiming_node_id = ?, status = ?,
			started_at = ?, completed_at = ?, last_update_at = ?,
			items_processed = ?, retry_count = ?, error = ?
		WHERE id = ?`, vals...)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("step run %s: %w", run.ID, types.ErrNotFound)
	}
	return nil
}

func (s *Store) queryStepRuns(ctx context.Context, op, query string, args ...any) ([]*types.StepRun, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []*types.StepRun
	for rows.Next() {
		r, err := scanStepRun(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}

func (s *Store) ListStepRuns(ctx context.Context, jobRunID, stepName string) ([]*types.StepRun, error) {
	if stepName == "" {
		return s.queryStepRuns(ctx, "list step runs", `
			SELECT `+stepRunColumns+` FROM beaver_step_runs
			WHERE job_run_id = ?
			ORDER BY step_name, COALESCE(partition_num, 0), id`, jobRunID)
	}
	return s.queryStepRuns(ctx, "list step runs", `
		SELECT `+stepRunColumns+` FROM beaver_step_runs
		WHERE job_run_id = ? AND step_name = ?
		ORDER BY COALESCE(partition_num, 0), id`, jobRunID, stepName)
}

func (s *Store) ClaimStepRun(ctx context.Context, nodeID string, now time.Time) (*types.StepRun, error) {
	query := `
		UPDATE beaver_step_runs
		SET claimed = ?, claiming_node_id = ?, last_update_at = ?
		WHERE claimed = ? AND id = (
			SELECT id FROM beaver_step_runs
			WHERE claimed = ? AND status IN (?, ?)
			ORDER BY last_update_at, id
			LIMIT 1 ` + s.d.skipLocked + `
		)
		RETURNING ` + stepRunColumns
	row := s.db.QueryRowContext(ctx, s.d.rebind(query),
		true, nodeID, types.ToMillis(now),
		false,
		false, string(types.StatusNew), string(types.StatusRunning),
	)
	r, err := scanStepRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("claim step run", err)
	}
	return r, nil
}

func (s *Store) ListStepRunsClaimedBy(ctx context.Context, nodeID string) ([]*types.StepRun, error) {
	return s.queryStepRuns(ctx, "list claimed step runs", `
		SELECT `+stepRunColumns+` FROM beaver_step_runs
		WHERE claimed = ? AND claiming_node_id = ?
		ORDER BY step_name, COALESCE(partition_num, 0), id`, true, nodeID)
}

func (s *Store) ReleaseStepRunClaim(ctx context.Context, stepRunID, nodeID string) (bool, error) {
	n, err := s.exec(ctx, "release step run claim", `
		UPDATE beaver_step_runs
		SET claimed = ?, claiming_node_id = ''
		WHERE id = ? AND claimed = ? AND claiming_node_id = ?`,
		false, stepRunID, true, nodeID,
	)
	return n == 1, err
}

// ============================================================================
// Schedules
// ============================================================================

func (s *Store) GetScheduleState(ctx context.Context, jobName string) (*types.ScheduleState, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT last_fire_time_processed FROM beaver_schedules WHERE job_name = ?`), jobName,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", jobName, types.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get schedule state", err)
	}
	return &types.ScheduleState{JobName: jobName, LastFireTimeProcessed: types.FromMillis(last)}, nil
}

func (s *Store) SaveScheduleState(ctx context.Context, state types.ScheduleState) error {
	_, err := s.exec(ctx, "save schedule state", `
		INSERT INTO beaver_schedules (job_name, last_fire_time_processed)
		VALUES (?, ?)
		ON CONFLICT (job_name) DO UPDATE SET last_fire_time_processed = excluded.last_fire_time_processed`,
		state.JobName, types.ToMillis(state.LastFireTimeProcessed),
	)
	return err
}
