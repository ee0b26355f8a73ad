// Package redisstore implements store.Store on Redis. Leader and step claims
// run as Lua scripts so each conditional update is atomic on the server.
// All keys of a store share one hash slot (the prefix is hash-tagged), which
// the step claim script relies on.
package redisstore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-batch/internal/store"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithPrefix overrides DefaultPrefix. A prefix without a hash tag is wrapped
// in one, see hashTagged.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = hashTagged(prefix) }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is a Redis-backed store.Store.
type Store struct {
	client redis.Cmdable
	prefix string
	logger *slog.Logger
	closer func() error
}

// New wraps a client. The caller owns the client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open dials addr and returns a Store that closes the client on Close.
func Open(addr, password string, db int, opts ...Option) *Store {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	s := New(client, opts...)
	s.closer = client.Close
	return s
}

func wrap(op string, err error) error {
	return fmt.Errorf("store/redis: %s: %w: %w", op, types.ErrStore, err)
}

// Migrate pings the server; Redis needs no schema.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Reset deletes every key under the prefix.
func (s *Store) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 500).Result()
		if err != nil {
			return wrap("reset scan", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return wrap("reset delete", err)
			}
		}
		if next == 0 {
			s.logger.Debug("redis store reset", "prefix", s.prefix)
			return nil
		}
		cursor = next
	}
}

// Close closes the client if this Store opened it.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func ms(t time.Time) string { return strconv.FormatInt(types.ToMillis(t), 10) }

func parseMs(v string) time.Time {
	n, _ := strconv.ParseInt(v, 10, 64)
	return types.FromMillis(n)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ============================================================================
// Node leases
// ============================================================================

func (s *Store) UpsertNodeLease(ctx context.Context, lease types.NodeLease) error {
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, s.nodesStartedKey(), lease.ID, ms(lease.StartedAt))
	pipe.HSet(ctx, s.nodesTillKey(), lease.ID, ms(lease.LifeLeaseTill))
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap("upsert node lease", err)
	}
	return nil
}

func (s *Store) ListNodeLeases(ctx context.Context) ([]types.NodeLease, error) {
	started, err := s.client.HGetAll(ctx, s.nodesStartedKey()).Result()
	if err != nil {
		return nil, wrap("list node leases", err)
	}
	till, err := s.client.HGetAll(ctx, s.nodesTillKey()).Result()
	if err != nil {
		return nil, wrap("list node leases", err)
	}
	out := make([]types.NodeLease, 0, len(started))
	for id, st := range started {
		out = append(out, types.NodeLease{ID: id, StartedAt: parseMs(st), LifeLeaseTill: parseMs(till[id])})
	}
	slices.SortFunc(out, func(a, b types.NodeLease) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *Store) DeleteNodeLease(ctx context.Context, nodeID string) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.nodesStartedKey(), nodeID)
	pipe.HDel(ctx, s.nodesTillKey(), nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap("delete node lease", err)
	}
	return nil
}

// ============================================================================
// Leader lease
// ============================================================================

func (s *Store) runFlag(ctx context.Context, op string, script *redis.Script, keys []string, args ...any) (bool, error) {
	n, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, wrap(op, err)
	}
	return n == 1, nil
}

func (s *Store) InsertLeaderLease(ctx context.Context, lease types.LeaderLease) (bool, error) {
	return s.runFlag(ctx, "insert leader lease", insertLeaderScript, []string{s.leaderKey()},
		lease.LeaderNodeID, ms(lease.LeaderSince), ms(lease.LeaderLeaseTill))
}

func (s *Store) GetLeaderLease(ctx context.Context) (*types.LeaderLease, error) {
	m, err := s.client.HGetAll(ctx, s.leaderKey()).Result()
	if err != nil {
		return nil, wrap("get leader lease", err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("leader lease: %w", types.ErrNotFound)
	}
	return &types.LeaderLease{
		Key:             types.LeaderKey,
		LeaderNodeID:    m["leaderNodeId"],
		LeaderSince:     parseMs(m["leaderSince"]),
		LeaderLeaseTill: parseMs(m["leaderLeaseTill"]),
		Locked:          m["locked"] == "1",
	}, nil
}

func (s *Store) RenewLeaderLease(ctx context.Context, nodeID string, till time.Time) (bool, error) {
	return s.runFlag(ctx, "renew leader lease", renewLeaderScript, []string{s.leaderKey()},
		nodeID, ms(till))
}

func (s *Store) ClaimLeaderLease(ctx context.Context, expected types.LeaderLease, claimant string) (bool, error) {
	return s.runFlag(ctx, "claim leader lease", claimLeaderScript, []string{s.leaderKey()},
		expected.LeaderNodeID, ms(expected.LeaderLeaseTill), boolFlag(expected.Locked), claimant)
}

func (s *Store) TakeLeaderLease(ctx context.Context, nodeID string, since, till time.Time) (bool, error) {
	return s.runFlag(ctx, "take leader lease", takeLeaderScript, []string{s.leaderKey()},
		nodeID, ms(since), ms(till))
}

// ============================================================================
// Job runs
// ============================================================================

func normaliseJobRun(r *types.JobRun) *types.JobRun {
	c := r.Clone()
	c.StartedAt = types.Truncate(c.StartedAt)
	c.CompletedAt = types.Truncate(c.CompletedAt)
	c.LastUpdateAt = types.Truncate(c.LastUpdateAt)
	return c
}

func (s *Store) CreateJobRun(ctx context.Context, run *types.JobRun) error {
	raw, err := json.Marshal(normaliseJobRun(run))
	if err != nil {
		return fmt.Errorf("store/redis: encode job run: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.jobRunKey(run.ID), raw, 0).Result()
	if err != nil {
		return wrap("create job run", err)
	}
	if !ok {
		return fmt.Errorf("store/redis: job run %s already exists", run.ID)
	}
	if err := s.client.SAdd(ctx, s.jobRunsKey(), run.ID).Err(); err != nil {
		return wrap("index job run", err)
	}
	return nil
}

func (s *Store) UpdateJobRun(ctx context.Context, run *types.JobRun) error {
	raw, err := json.Marshal(normaliseJobRun(run))
	if err != nil {
		return fmt.Errorf("store/redis: encode job run: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.jobRunKey(run.ID), raw, 0).Result()
	if err != nil {
		return wrap("update job run", err)
	}
	if !ok {
		return fmt.Errorf("job run %s: %w", run.ID, types.ErrNotFound)
	}
	return nil
}

func (s *Store) GetJobRun(ctx context.Context, id string) (*types.JobRun, error) {
	raw, err := s.client.Get(ctx, s.jobRunKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job run %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get job run", err)
	}
	var r types.JobRun
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("store/redis: decode job run %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) ListJobRuns(ctx context.Context, filter store.JobRunFilter) ([]*types.JobRun, error) {
	ids, err := s.client.SMembers(ctx, s.jobRunsKey()).Result()
	if err != nil {
		return nil, wrap("list job runs", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobRunKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrap("list job runs", err)
	}

	var out []*types.JobRun
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r types.JobRun
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, fmt.Errorf("store/redis: decode job run: %w", err)
		}
		if filter.JobName != "" && r.JobName != filter.JobName {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, &r)
	}
	slices.SortFunc(out, func(a, b *types.JobRun) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// ============================================================================
// Step runs
// ============================================================================

func stepRunToMap(r *types.StepRun) (map[string]any, error) {
	args, err := json.Marshal(r.Args)
	if err != nil {
		return nil, err
	}
	partition := ""
	if r.Partition != nil {
		b, err := json.Marshal(r.Partition)
		if err != nil {
			return nil, err
		}
		partition = string(b)
	}
	return map[string]any{
		"id":             r.ID,
		"jobRunId":       r.JobRunID,
		"jobName":        r.JobName,
		"stepName":       r.StepName,
		"partition":      partition,
		"args":           string(args),
		"claimed":        boolFlag(r.Claimed),
		"claimingNodeId": r.ClaimingNodeID,
		"status":         string(r.Status),
		"startedAt":      ms(r.StartedAt),
		"completedAt":    ms(r.CompletedAt),
		"lastUpdateAt":   ms(r.LastUpdateAt),
		"itemsProcessed": strconv.FormatInt(r.ItemsProcessed, 10),
		"retryCount":     strconv.Itoa(r.RetryCount),
		"error":          r.Error,
	}, nil
}

func stepRunFromMap(m map[string]string) (*types.StepRun, error) {
	r := &types.StepRun{
		ID:             m["id"],
		JobRunID:       m["jobRunId"],
		JobName:        m["jobName"],
		StepName:       m["stepName"],
		Claimed:        m["claimed"] == "1",
		ClaimingNodeID: m["claimingNodeId"],
		Status:         types.Status(m["status"]),
		StartedAt:      parseMs(m["startedAt"]),
		CompletedAt:    parseMs(m["completedAt"]),
		LastUpdateAt:   parseMs(m["lastUpdateAt"]),
		Error:          m["error"],
	}
	r.ItemsProcessed, _ = strconv.ParseInt(m["itemsProcessed"], 10, 64)
	r.RetryCount, _ = strconv.Atoi(m["retryCount"])
	if raw := m["args"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &r.Args); err != nil {
			return nil, fmt.Errorf("decode args of step run %s: %w", r.ID, err)
		}
	}
	if raw := m["partition"]; raw != "" {
		var p types.Partition
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode partition of step run %s: %w", r.ID, err)
		}
		r.Partition = &p
	}
	return r, nil
}

// writeStepRun queues the hash write and index maintenance for r.
func (s *Store) writeStepRun(ctx context.Context, pipe redis.Pipeliner, r *types.StepRun) error {
	m, err := stepRunToMap(r)
	if err != nil {
		return fmt.Errorf("store/redis: encode step run %s: %w", r.ID, err)
	}
	pipe.HSet(ctx, s.stepRunKey(r.ID), m)
	if r.Claimable() {
		pipe.SAdd(ctx, s.claimableKey(), r.ID)
	} else {
		pipe.SRem(ctx, s.claimableKey(), r.ID)
	}
	return nil
}

func (s *Store) CreateStepRuns(ctx context.Context, runs []*types.StepRun) error {
	pipe := s.client.TxPipeline()
	for _, r := range runs {
		if err := s.writeStepRun(ctx, pipe, r); err != nil {
			return err
		}
		pipe.SAdd(ctx, s.stepRunsKey(), r.ID)
		pipe.SAdd(ctx, s.jobRunStepsKey(r.JobRunID), r.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap("create step runs", err)
	}
	return nil
}

func (s *Store) UpdateStepRun(ctx context.Context, run *types.StepRun) error {
	exists, err := s.client.Exists(ctx, s.stepRunKey(run.ID)).Result()
	if err != nil {
		return wrap("update step run", err)
	}
	if exists == 0 {
		return fmt.Errorf("step run %s: %w", run.ID, types.ErrNotFound)
	}
	pipe := s.client.TxPipeline()
	if err := s.writeStepRun(ctx, pipe, run); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap("update step run", err)
	}
	return nil
}

func (s *Store) loadStepRuns(ctx context.Context, ids []string) ([]*types.StepRun, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.stepRunKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrap("load step runs", err)
	}
	out := make([]*types.StepRun, 0, len(ids))
	for _, c := range cmds {
		m := c.Val()
		if len(m) == 0 {
			continue
		}
		r, err := stepRunFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("store/redis: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func partitionNum(r *types.StepRun) int {
	if r.Partition == nil {
		return 0
	}
	return r.Partition.Num
}

func sortStepRuns(runs []*types.StepRun) {
	slices.SortFunc(runs, func(a, b *types.StepRun) int {
		return cmp.Or(
			cmp.Compare(a.StepName, b.StepName),
			cmp.Compare(partitionNum(a), partitionNum(b)),
			cmp.Compare(a.ID, b.ID),
		)
	})
}

func (s *Store) ListStepRuns(ctx context.Context, jobRunID, stepName string) ([]*types.StepRun, error) {
	ids, err := s.client.SMembers(ctx, s.jobRunStepsKey(jobRunID)).Result()
	if err != nil {
		return nil, wrap("list step runs", err)
	}
	runs, err := s.loadStepRuns(ctx, ids)
	if err != nil {
		return nil, err
	}
	if stepName != "" {
		runs = slices.DeleteFunc(runs, func(r *types.StepRun) bool { return r.StepName != stepName })
	}
	sortStepRuns(runs)
	return runs, nil
}

func (s *Store) ClaimStepRun(ctx context.Context, nodeID string, now time.Time) (*types.StepRun, error) {
	id, err := claimStepScript.Run(ctx, s.client, []string{s.claimableKey()},
		s.stepRunPrefix(), nodeID, ms(now)).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("claim step run", err)
	}
	runs, err := s.loadStepRuns(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("step run %s vanished after claim: %w", id, types.ErrNotFound)
	}
	return runs[0], nil
}

func (s *Store) ListStepRunsClaimedBy(ctx context.Context, nodeID string) ([]*types.StepRun, error) {
	ids, err := s.client.SMembers(ctx, s.stepRunsKey()).Result()
	if err != nil {
		return nil, wrap("list claimed step runs", err)
	}
	runs, err := s.loadStepRuns(ctx, ids)
	if err != nil {
		return nil, err
	}
	runs = slices.DeleteFunc(runs, func(r *types.StepRun) bool {
		return !r.Claimed || r.ClaimingNodeID != nodeID
	})
	sortStepRuns(runs)
	return runs, nil
}

func (s *Store) ReleaseStepRunClaim(ctx context.Context, stepRunID, nodeID string) (bool, error) {
	return s.runFlag(ctx, "release step run claim", releaseStepScript,
		[]string{s.stepRunKey(stepRunID), s.claimableKey()}, stepRunID, nodeID)
}

// ============================================================================
// Schedules
// ============================================================================

func (s *Store) GetScheduleState(ctx context.Context, jobName string) (*types.ScheduleState, error) {
	v, err := s.client.HGet(ctx, s.schedulesKey(), jobName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("schedule %s: %w", jobName, types.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get schedule state", err)
	}
	return &types.ScheduleState{JobName: jobName, LastFireTimeProcessed: parseMs(v)}, nil
}

func (s *Store) SaveScheduleState(ctx context.Context, state types.ScheduleState) error {
	if err := s.client.HSet(ctx, s.schedulesKey(), state.JobName, ms(state.LastFireTimeProcessed)).Err(); err != nil {
		return wrap("save schedule state", err)
	}
	return nil
}
