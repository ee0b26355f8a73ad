// Package samplejobs registers the example jobs shipped with the beaver
// binary and the demo cluster.
//
//	daily-report  collect -> publish, two simple steps (cron target)
//	squares       square (partitioned batch) -> verify
package samplejobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-batch/pkg/pipeline"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// Job names.
const (
	DailyReport = "daily-report"
	Squares     = "squares"
)

// Defaults for the squares job.
const (
	DefaultCount  = 1000
	DefaultShards = 4
)

// Results records what the sample jobs produced inside this process. Steps
// of one job run may execute on other processes; only the local share is
// visible here.
type Results struct {
	mu      sync.Mutex
	sums    map[string]int64
	reports map[string]int
}

// NewResults returns an empty recorder.
func NewResults() *Results {
	return &Results{sums: make(map[string]int64), reports: make(map[string]int)}
}

func (r *Results) addSum(jobRunID string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sums[jobRunID] += n
}

// Sum returns the sum of squares written locally for a job run.
func (r *Results) Sum(jobRunID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sums[jobRunID]
}

func (r *Results) addReport(region string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[region]++
}

// Reports returns how many reports were published for a region.
func (r *Results) Reports(region string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports[region]
}

// Jobs returns every sample job, recording into results.
func Jobs(results *Results) []pipeline.Job {
	return []pipeline.Job{DailyReportJob(results), SquaresJob(results)}
}

// ============================================================================
// daily-report
// ============================================================================

// DailyReportJob collects and publishes a report for args["region"]. When
// fired by a schedule args["startedAt"] carries the fire time.
func DailyReportJob(results *Results) pipeline.Job {
	collect := pipeline.SimpleStep("collect", func(sc *pipeline.StepContext) error {
		asOf, ok := sc.Args.Time(types.ArgStartedAt)
		if !ok {
			asOf = time.Now().UTC()
		}
		sc.Logger.Info("Collecting report data", "region", region(sc.Args), "asOf", asOf)
		sc.AddItemsProcessed(1)
		return nil
	})
	publish := pipeline.SimpleStep("publish", func(sc *pipeline.StepContext) error {
		results.addReport(region(sc.Args))
		sc.Logger.Info("Report published", "region", region(sc.Args))
		return nil
	})
	return pipeline.NewJob(DailyReport, collect, publish)
}

func region(args types.Args) string {
	if r := args.String("region"); r != "" {
		return r
	}
	return "global"
}

// ============================================================================
// squares
// ============================================================================

// SquaresJob sums n*n for n in [0, count). The square step is partitioned
// into args["shards"] contiguous ranges, each walked page by page.
// args["delay"] slows each item down to make the fan-out visible.
func SquaresJob(results *Results) pipeline.Job {
	square := pipeline.WithPartitions(
		pipeline.Batch[int, int64]("square", &squareBatch{results: results}),
		SquarePartitions,
	)
	verify := pipeline.SimpleStep("verify", func(sc *pipeline.StepContext) error {
		count := sc.Args.IntOr("count", DefaultCount)
		sc.Logger.Info("Squares finished",
			"expected", SumOfSquares(count),
			"seenByThisProcess", results.Sum(sc.JobRunID))
		return nil
	})
	return pipeline.NewJob(Squares, square, verify).
		WithOnStart(func(_ context.Context, args types.Args) error {
			if args.IntOr("count", DefaultCount) < 0 {
				return fmt.Errorf("%w: count must not be negative", types.ErrConfiguration)
			}
			return nil
		})
}

// SquarePartitions splits [0, count) into shards ranges. Fewer than two
// shards runs the step unpartitioned over the whole range.
func SquarePartitions(args types.Args) ([]types.Args, error) {
	count := args.IntOr("count", DefaultCount)
	shards := min(args.IntOr("shards", DefaultShards), count)
	if shards < 2 {
		return nil, nil
	}

	parts := make([]types.Args, 0, shards)
	per := (count + shards - 1) / shards
	for from := 0; from < count; from += per {
		parts = append(parts, types.Args{"from": from, "to": min(from+per, count)})
	}
	if len(parts) < 2 {
		return nil, nil
	}
	return parts, nil
}

// SumOfSquares returns the sum of n*n for n in [0, count).
func SumOfSquares(count int) int64 {
	if count <= 0 {
		return 0
	}
	n := int64(count - 1)
	return n * (n + 1) * (2*n + 1) / 6
}

type squareBatch struct {
	results *Results
}

func bounds(args types.Args) (from, to int) {
	count := args.IntOr("count", DefaultCount)
	return args.IntOr("from", 0), args.IntOr("to", count)
}

func (b *squareBatch) OnStart(sc *pipeline.StepContext) error {
	from, to := bounds(sc.Args)
	sc.Logger.Debug("Squaring range", "from", from, "to", to)
	return nil
}

func (b *squareBatch) ReadPage(sc *pipeline.StepContext, req pipeline.PageRequest) (pipeline.Page[int], error) {
	from, to := bounds(sc.Args)
	start := from + req.Number*req.Size
	end := min(start+req.Size, to)

	page := pipeline.Page[int]{TotalPages: (to - from + req.Size - 1) / req.Size}
	for n := start; n < end; n++ {
		page.Items = append(page.Items, n)
	}
	return page, nil
}

func (b *squareBatch) ProcessItem(sc *pipeline.StepContext, n int) (int64, error) {
	if d, ok := sc.Args.Duration("delay"); ok && d > 0 {
		select {
		case <-time.After(d):
		case <-sc.Done():
			return 0, sc.Err()
		}
	}
	return int64(n) * int64(n), nil
}

func (b *squareBatch) WritePage(sc *pipeline.StepContext, squares []int64) error {
	var sum int64
	for _, s := range squares {
		sum += s
	}
	b.results.addSum(sc.JobRunID, sum)
	return nil
}

func (b *squareBatch) OnComplete(*pipeline.StepContext) error { return nil }

func (b *squareBatch) SelectionFixed() bool { return true }
