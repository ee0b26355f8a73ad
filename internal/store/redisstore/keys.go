package redisstore

import "strings"

// Redis key layout. Every key starts with the store prefix (default
// "{beaver}:") so several clusters can share one Redis database.
//
//	P nodes:started      Hash  nodeID -> startedAt ms
//	P nodes:till         Hash  nodeID -> lifeLeaseTill ms
//	P leader             Hash  leader lease fields
//	P jobrun:<id>        String JSON JobRun
//	P jobruns            Set   all JobRun ids
//	P steprun:<id>       Hash  StepRun fields
//	P stepruns           Set   all StepRun ids
//	P jobrun_steps:<id>  Set   StepRun ids of one JobRun
//	P claimable          Set   StepRun ids that may be claimed
//	P schedules          Hash  jobName -> lastFireTimeProcessed ms
//
// The claim script derives steprun keys from the claimable set at run time,
// so every key of a store must live in one hash slot. The prefix therefore
// always carries a hash tag; under Redis Cluster the whole store sits on a
// single shard.

// DefaultPrefix is used when no prefix is configured.
const DefaultPrefix = "{beaver}:"

// hashTagged wraps prefix in a hash tag unless it already has one.
// "beaver:" becomes "{beaver}:".
func hashTagged(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	if open := strings.Index(prefix, "{"); open >= 0 {
		if end := strings.Index(prefix[open:], "}"); end > 1 {
			return prefix
		}
	}
	return "{" + strings.TrimSuffix(prefix, ":") + "}:"
}

func (s *Store) nodesStartedKey() string { return s.prefix + "nodes:started" }

func (s *Store) nodesTillKey() string { return s.prefix + "nodes:till" }

func (s *Store) leaderKey() string { return s.prefix + "leader" }

func (s *Store) jobRunKey(id string) string { return s.prefix + "jobrun:" + id }

func (s *Store) jobRunsKey() string { return s.prefix + "jobruns" }

func (s *Store) stepRunPrefix() string { return s.prefix + "steprun:" }

func (s *Store) stepRunKey(id string) string { return s.stepRunPrefix() + id }

func (s *Store) stepRunsKey() string { return s.prefix + "stepruns" }

func (s *Store) jobRunStepsKey(jobRunID string) string { return s.prefix + "jobrun_steps:" + jobRunID }

func (s *Store) claimableKey() string { return s.prefix + "claimable" }

func (s *Store) schedulesKey() string { return s.prefix + "schedules" }
