// ============================================================================
// Beaver-Batch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the beaver command line based on the Cobra framework
//
// Command Structure:
//   beaver                         # Root command
//   ├── run                        # Join the cluster and run until signalled
//   ├── start <job>                # Start a job run
//   │   ├── --arg key=value        # Job argument (repeatable)
//   │   └── --wait                 # Participate and wait for the run to finish
//   ├── retry <job>                # Retry the newest failed run of a job
//   ├── reset --yes                # Wipe all cluster state in the store
//   ├── status [--json]            # Nodes, leader and job run counts
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --node-id                  # Overrides node.id
//   ├── --store                    # Overrides store.driver
//   └── --dsn                      # Overrides store.dsn (redis: store.redis.addr)
//
// Nodes and one-shot commands:
//   Every command builds a Controller on the configured store. run (and
//   start --wait) start the heartbeat and take part in the cluster; the other
//   commands only initialise a short-lived node with a random "cli-" id, act
//   on the shared store and exit. With the memory driver the state lives in
//   store.snapshot_path, so one-shot commands see what run persisted.
//
// Signal Handling:
//   run captures SIGINT and SIGTERM and stops the controller gracefully:
//   background drains finish their current step, pending cron fires are
//   dropped and the memory store writes a final snapshot.
//
// Metrics Service:
//   If enabled in config, run serves Prometheus metrics on
//   http://localhost:<metrics.port>/metrics
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-batch/internal/config"
	"github.com/ChuLiYu/beaver-batch/internal/controller"
	"github.com/ChuLiYu/beaver-batch/internal/logger"
	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/internal/samplejobs"
	"github.com/ChuLiYu/beaver-batch/internal/scheduler"
	"github.com/ChuLiYu/beaver-batch/internal/store"
	"github.com/ChuLiYu/beaver-batch/internal/store/memory"
	"github.com/ChuLiYu/beaver-batch/internal/store/redisstore"
	"github.com/ChuLiYu/beaver-batch/internal/store/sqlstore"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

const defaultConfigFile = "configs/default.yaml"

// waitPollInterval is how often start --wait re-reads the job run.
var waitPollInterval = 200 * time.Millisecond

// options holds the persistent flags shared by every command.
type options struct {
	configFile string
	nodeID     string
	store      string
	dsn        string
}

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "beaver",
		Short: "Beaver-Batch: a distributed batch job orchestrator",
		Long: `Beaver-Batch runs multi-step batch jobs on a cluster of identical nodes
that coordinate only through a shared store:
- Leader election with lease renewal and failover
- Partitioned steps claimed by any node
- Paged batch steps with bounded item concurrency
- Cron schedules with missed-run catch-up`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", defaultConfigFile, "config file path")
	pf.StringVar(&opts.nodeID, "node-id", "", "node id (overrides node.id)")
	pf.StringVar(&opts.store, "store", "", "store driver: memory, sqlite, postgres or redis (overrides store.driver)")
	pf.StringVar(&opts.dsn, "dsn", "", "store DSN, or the redis address for the redis driver")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStartCommand(opts))
	rootCmd.AddCommand(buildRetryCommand(opts))
	rootCmd.AddCommand(buildResetCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// ============================================================================
// Commands
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a node and join the cluster",
		Long:  "Start a node that heartbeats, competes for leadership and executes steps until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, opts)
		},
	}
}

func runNode(cmd *cobra.Command, opts *options) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := openNode(cmd, opts, "")
	if err != nil {
		return err
	}
	defer n.Close()

	if err := n.ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	if n.cfg.Metrics.Enabled {
		go func() {
			n.logger.Info("Starting metrics server", "port", n.cfg.Metrics.Port)
			if err := metrics.StartServer(ctx, n.cfg.Metrics.Port, n.registry); err != nil {
				n.logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	n.logger.Info("Node started",
		"store", n.cfg.Store.Driver,
		"heartbeat", n.cfg.Cluster.Heartbeat,
		"schedules", len(n.cfg.Schedules))

	<-ctx.Done()
	n.logger.Info("Received shutdown signal, stopping gracefully...")
	return nil
}

func buildStartCommand(opts *options) *cobra.Command {
	var (
		rawArgs []string
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "start <job>",
		Short: "Start a job run",
		Long:  "Create a job run and dispatch its first step. With --wait this process also executes steps until the run finishes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobArgs, err := parseJobArgs(rawArgs)
			if err != nil {
				return err
			}
			return startJob(cmd, opts, args[0], jobArgs, wait)
		},
	}

	cmd.Flags().StringArrayVarP(&rawArgs, "arg", "a", nil, "job argument as key=value (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "run a node in this process and wait for the job run to finish")
	return cmd
}

func startJob(cmd *cobra.Command, opts *options, name string, args types.Args, wait bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeID := oneShotNodeID()
	if wait {
		nodeID = ""
	}
	n, err := openNode(cmd, opts, nodeID)
	if err != nil {
		return err
	}
	defer n.Close()

	if wait {
		err = n.ctrl.Start(ctx)
	} else {
		err = n.ctrl.Init(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	jr, err := n.ctrl.RunJob(ctx, name, args)
	if err != nil {
		return fmt.Errorf("failed to start job %q: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started job run %s (%s)\n", jr.ID, name)
	if !wait {
		return nil
	}

	jr, err = waitForJobRun(ctx, n.ctrl, jr.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job run %s finished: %s\n", jr.ID, jr.Status)
	if jr.Status == types.StatusFailed {
		return fmt.Errorf("job run %s failed: %s", jr.ID, jr.Error)
	}
	return nil
}

func waitForJobRun(ctx context.Context, ctrl *controller.Controller, id string) (*types.JobRun, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		jr, _, err := ctrl.JobRun(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read job run %s: %w", id, err)
		}
		if jr.Status.Terminal() {
			return jr, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func buildRetryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job>",
		Short: "Retry the newest failed run of a job",
		Long:  "Reset the failed steps of the newest failed run of a job so any node can claim them again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOneShotNode(cmd, opts, func(ctx context.Context, ctrl *controller.Controller) error {
				jr, err := ctrl.RetryFailedJob(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to retry job %q: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retrying job run %s (%s) from step %q\n", jr.ID, jr.JobName, jr.CurrentStepName)
				return nil
			})
		},
	}
}

func buildResetCommand(opts *options) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe all cluster state",
		Long:  "Delete every job run, step run, node lease, leader lease and schedule state from the store. Stop all nodes first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to reset without --yes")
			}
			return withOneShotNode(cmd, opts, func(ctx context.Context, ctrl *controller.Controller) error {
				if err := ctrl.ResetCluster(ctx); err != nil {
					return fmt.Errorf("failed to reset cluster: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cluster state reset")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func buildStatusCommand(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cluster status",
		Long:  "Display live nodes, the current leader and job run counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOneShotNode(cmd, opts, func(ctx context.Context, ctrl *controller.Controller) error {
				status, err := ctrl.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to read status: %w", err)
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(status)
				}
				printStatus(cmd.OutOrStdout(), status, time.Now())
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func printStatus(w io.Writer, s controller.Status, now time.Time) {
	fmt.Fprintln(w, "Beaver-Batch Cluster Status")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Leader:")
	if s.Leader == nil {
		fmt.Fprintln(w, "  └─ none elected")
	} else {
		state := "active"
		if s.Leader.LeaderLeaseTill.Before(now) {
			state = "expired"
		}
		fmt.Fprintf(w, "  └─ %s (since %s, %s)\n", s.Leader.LeaderNodeID, s.Leader.LeaderSince.Format(time.RFC3339), state)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Nodes (%d):\n", len(s.Nodes))
	for _, lease := range s.Nodes {
		state := "alive"
		if lease.LifeLeaseTill.Before(now) {
			state = "lease expired"
		}
		fmt.Fprintf(w, "  └─ %s started %s, %s\n", lease.ID, lease.StartedAt.Format(time.RFC3339), state)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Job Runs:")
	statuses := []types.Status{types.StatusNew, types.StatusRunning, types.StatusComplete, types.StatusFailed}
	for _, st := range statuses {
		fmt.Fprintf(w, "  ├─ %-9s %d\n", st, s.JobRuns[st])
	}
	fmt.Fprintln(w)

	jobs := append([]string(nil), s.Jobs...)
	sort.Strings(jobs)
	fmt.Fprintf(w, "Registered Jobs: %s\n", strings.Join(jobs, ", "))
}

// ============================================================================
// Node wiring
// ============================================================================

// node bundles a controller with the resources it was built from.
type node struct {
	cfg      *config.Config
	ctrl     *controller.Controller
	store    store.Store
	registry *prometheus.Registry
	logger   *slog.Logger
	closer   io.Closer
}

// Close stops the controller, then releases the store and the log file.
func (n *node) Close() {
	n.ctrl.Stop()
	if err := n.store.Close(); err != nil {
		n.logger.Error("Failed to close store", "error", err)
	}
	_ = n.closer.Close()
}

func oneShotNodeID() string {
	return "cli-" + uuid.NewString()[:8]
}

// withOneShotNode runs fn against an initialised but idle node.
func withOneShotNode(cmd *cobra.Command, opts *options, fn func(ctx context.Context, ctrl *controller.Controller) error) error {
	n, err := openNode(cmd, opts, oneShotNodeID())
	if err != nil {
		return err
	}
	defer n.Close()

	ctx := cmd.Context()
	if err := n.ctrl.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialise controller: %w", err)
	}
	return fn(ctx, n.ctrl)
}

// openNode loads configuration and builds the logger, store, metrics and
// controller. nodeID overrides both the flag and the config file.
func openNode(cmd *cobra.Command, opts *options, nodeID string) (*node, error) {
	cfg, err := loadConfig(opts, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}
	if nodeID == "" {
		nodeID = cfg.NodeID()
	}

	log, closer, err := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
		Console: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	st, err := openStore(cfg, log)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	if cfg.Store.Driver == config.DriverMemory && cfg.Store.SnapshotPath == "" {
		log.Warn("Memory store without store.snapshot_path: state is lost on exit")
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry, nodeID)

	ctrl, err := controller.New(st, controllerConfig(cfg, nodeID), samplejobs.Jobs(samplejobs.NewResults()),
		controller.WithLogger(log),
		controller.WithMetrics(collector),
	)
	if err != nil {
		_ = st.Close()
		_ = closer.Close()
		return nil, err
	}

	return &node{cfg: cfg, ctrl: ctrl, store: st, registry: registry, logger: log, closer: closer}, nil
}

// loadConfig reads the config file and applies flag overrides. A missing
// default config file falls back to built-in defaults.
func loadConfig(opts *options, explicit bool) (*config.Config, error) {
	path := opts.configFile
	if !explicit && path == defaultConfigFile {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path, func(c *config.Config) {
		if opts.nodeID != "" {
			c.Node.ID = opts.nodeID
		}
		if opts.store != "" {
			c.Store.Driver = opts.store
		}
		if opts.dsn != "" {
			if c.Store.Driver == config.DriverRedis {
				c.Store.Redis.Addr = opts.dsn
			} else {
				c.Store.DSN = opts.dsn
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		return sqlstore.Open(sqlstore.SQLite, cfg.Store.DSN)
	case config.DriverPostgres:
		return sqlstore.Open(sqlstore.Postgres, cfg.Store.DSN)
	case config.DriverRedis:
		r := cfg.Store.Redis
		return redisstore.Open(r.Addr, r.Password, r.DB,
			redisstore.WithPrefix(r.Prefix),
			redisstore.WithLogger(log),
		), nil
	}
	return nil, fmt.Errorf("%w: unknown store driver %q", types.ErrConfiguration, cfg.Store.Driver)
}

func controllerConfig(cfg *config.Config, nodeID string) controller.Config {
	entries := make([]scheduler.Entry, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		entries = append(entries, scheduler.Entry{JobName: s.Job, Cron: s.Cron, Args: types.Args(s.Args)})
	}
	return controller.Config{
		NodeID:           nodeID,
		Heartbeat:        cfg.Cluster.Heartbeat,
		PurgeMultiplier:  cfg.Cluster.PurgeMultiplier,
		PoolSize:         cfg.Worker.PoolSize,
		QueueSize:        cfg.Worker.QueueSize,
		PageSize:         cfg.Batch.PageSize,
		InFlight:         cfg.Batch.InFlight,
		Schedules:        entries,
		SnapshotPath:     cfg.Store.SnapshotPath,
		SnapshotInterval: cfg.Store.SnapshotInterval,
	}
}

// parseJobArgs turns key=value pairs into job arguments. Values stay
// strings; types.Args converts them on read.
func parseJobArgs(pairs []string) (types.Args, error) {
	args := types.Args{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: job argument %q is not key=value", types.ErrConfiguration, pair)
		}
		args[key] = value
	}
	return args, nil
}
