// Command demo runs three beaver nodes in one process on a shared memory
// store, starts the sample jobs, then stops the leader to show failover.
//
//	go run ./cmd/demo
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/beaver-batch/internal/controller"
	"github.com/ChuLiYu/beaver-batch/internal/logger"
	"github.com/ChuLiYu/beaver-batch/internal/samplejobs"
	"github.com/ChuLiYu/beaver-batch/internal/scheduler"
	"github.com/ChuLiYu/beaver-batch/internal/store/memory"
	"github.com/ChuLiYu/beaver-batch/pkg/pipeline"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

const (
	nodeCount = 3
	heartbeat = 500 * time.Millisecond
)

func main() {
	log, closer, err := logger.New(logger.Options{Level: "info", Format: "text"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Error("Demo failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	st := memory.New()
	results := samplejobs.NewResults()
	jobs := samplejobs.Jobs(results)

	nodes := make([]*controller.Controller, 0, nodeCount)
	for i := 1; i <= nodeCount; i++ {
		c, err := newNode(st, fmt.Sprintf("node-%d", i), jobs, log)
		if err != nil {
			return err
		}
		if err := c.Start(ctx); err != nil {
			return err
		}
		defer c.Stop()
		nodes = append(nodes, c)
	}
	fmt.Printf("✓ %d nodes started on a shared memory store (heartbeat %s)\n", nodeCount, heartbeat)

	jr, err := nodes[0].RunJob(ctx, samplejobs.Squares, types.Args{
		"count":  5000,
		"shards": 6,
		"delay":  "200µs",
	})
	if err != nil {
		return err
	}
	fmt.Printf("✓ Started %s run %s\n", samplejobs.Squares, jr.ID)

	jr, err = waitFor(ctx, nodes[0], jr.ID)
	if err != nil {
		return err
	}
	_, steps, err := nodes[0].JobRun(ctx, jr.ID)
	if err != nil {
		return err
	}
	fmt.Printf("\n📊 %s finished: %s\n", samplejobs.Squares, jr.Status)
	for _, sr := range steps {
		part := "-"
		if sr.Partition != nil {
			part = fmt.Sprintf("%d/%d", sr.Partition.Num+1, sr.Partition.Total)
		}
		fmt.Printf("  %-7s partition %-4s on %-7s items=%d\n", sr.StepName, part, sr.ClaimingNodeID, sr.ItemsProcessed)
	}
	fmt.Printf("  sum=%d expected=%d\n", results.Sum(jr.ID), samplejobs.SumOfSquares(5000))

	// Failover: stop whichever node leads and let the others take over.
	leader := -1
	for i, c := range nodes {
		s, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if s.IsLeader {
			leader = i
		}
	}
	if leader >= 0 {
		fmt.Printf("\n⚡ Stopping leader %s\n", nodes[leader].NodeID())
		nodes[leader].Stop()
		survivor := nodes[(leader+1)%nodeCount]

		jr, err = survivor.RunJob(ctx, samplejobs.DailyReport, types.Args{"region": "demo"})
		if err != nil {
			return err
		}
		if jr, err = waitFor(ctx, survivor, jr.ID); err != nil {
			return err
		}
		s, err := survivor.Status(ctx)
		if err != nil {
			return err
		}
		newLeader := "none"
		if s.Leader != nil {
			newLeader = s.Leader.LeaderNodeID
		}
		fmt.Printf("✓ %s finished %s under new leader %s\n", samplejobs.DailyReport, jr.Status, newLeader)
	}

	fmt.Println("\n💡 A daily-report schedule fires every 5s on the leader; press Ctrl+C to stop")
	<-ctx.Done()
	fmt.Println("\nReceived shutdown signal, stopping gracefully...")
	return nil
}

func newNode(st *memory.Store, id string, jobs []pipeline.Job, log *slog.Logger) (*controller.Controller, error) {
	return controller.New(st, controller.Config{
		NodeID:    id,
		Heartbeat: heartbeat,
		PoolSize:  4,
		PageSize:  50,
		InFlight:  8,
		Schedules: []scheduler.Entry{{
			JobName: samplejobs.DailyReport,
			Cron:    "@every 5s",
			Args:    types.Args{"region": "scheduled"},
		}},
	}, jobs, controller.WithLogger(log))
}

// waitFor polls a job run until it reaches a terminal status.
func waitFor(ctx context.Context, c *controller.Controller, id string) (*types.JobRun, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		jr, _, err := c.JobRun(ctx, id)
		if err != nil {
			return nil, err
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
