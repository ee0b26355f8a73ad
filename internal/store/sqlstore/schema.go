package sqlstore

// schema is applied statement by statement; every statement is idempotent and
// valid on both PostgreSQL and SQLite. Timestamps are unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS beaver_node_leases (
		id              TEXT PRIMARY KEY,
		started_at      BIGINT NOT NULL,
		life_lease_till BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS beaver_leader_lease (
		lease_key         TEXT PRIMARY KEY,
		leader_node_id    TEXT NOT NULL,
		leader_since      BIGINT NOT NULL,
		leader_lease_till BIGINT NOT NULL,
		locked            BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS beaver_job_runs (
		id                                      TEXT PRIMARY KEY,
		job_name                                TEXT NOT NULL,
		args                                    TEXT NOT NULL,
		status                                  TEXT NOT NULL,
		started_at                              BIGINT NOT NULL,
		completed_at                            BIGINT NOT NULL DEFAULT 0,
		last_update_at                          BIGINT NOT NULL,
		current_step_name                       TEXT NOT NULL DEFAULT '',
		current_step_partition_count            INTEGER NOT NULL DEFAULT 0,
		current_step_partitions_completed_count INTEGER NOT NULL DEFAULT 0,
		error                                   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_beaver_job_runs_status
		ON beaver_job_runs (status, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_beaver_job_runs_name
		ON beaver_job_runs (job_name, status)`,
	`CREATE TABLE IF NOT EXISTS beaver_step_runs (
		id               TEXT PRIMARY KEY,
		job_run_id       TEXT NOT NULL,
		job_name         TEXT NOT NULL,
		step_name        TEXT NOT NULL,
		partition_num    INTEGER,
		partition_total  INTEGER,
		partition_args   TEXT,
		args             TEXT NOT NULL,
		claimed          BOOLEAN NOT NULL DEFAULT FALSE,
		claiming_node_id TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		started_at       BIGINT NOT NULL DEFAULT 0,
		completed_at     BIGINT NOT NULL DEFAULT 0,
		last_update_at   BIGINT NOT NULL,
		items_processed  BIGINT NOT NULL DEFAULT 0,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		error            TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_beaver_step_runs_job_step_status
		ON beaver_step_runs (job_run_id, step_name, status)`,
	`CREATE INDEX IF NOT EXISTS idx_beaver_step_runs_claim
		ON beaver_step_runs (claimed, status, last_update_at)`,
	`CREATE INDEX IF NOT EXISTS idx_beaver_step_runs_claimer
		ON beaver_step_runs (claiming_node_id)`,
	`CREATE TABLE IF NOT EXISTS beaver_schedules (
		job_name                 TEXT PRIMARY KEY,
		last_fire_time_processed BIGINT NOT NULL
	)`,
}

var tables = []string{
	"beaver_step_runs",
	"beaver_job_runs",
	"beaver_schedules",
	"beaver_leader_lease",
	"beaver_node_leases",
}
