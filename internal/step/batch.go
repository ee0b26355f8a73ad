package step

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/beaver-batch/internal/worker"
	"github.com/ChuLiYu/beaver-batch/pkg/pipeline"
)

// runBatch drives a batch step page by page. Items of a page are processed on
// the worker pool in windows of at most inFlight tasks; each window is joined
// before the next is submitted and outputs keep input order.
//
// Fixed selection walks page numbers until the total reported by the first
// page is covered or an empty page arrives. Dynamic selection re-reads page 0
// until it comes back empty.
func (r *Runner) runBatch(sc *pipeline.StepContext, b pipeline.BatchStep) error {
	if err := b.OnStart(sc); err != nil {
		return fmt.Errorf("on start: %w", err)
	}

	fixed := b.SelectionFixed()
	totalPages := -1
	number := 0
	for {
		if err := sc.Err(); err != nil {
			return err
		}
		page, err := b.ReadPage(sc, pipeline.PageRequest{Number: number, Size: r.pageSize})
		if err != nil {
			return fmt.Errorf("read page %d: %w", number, err)
		}
		if totalPages < 0 {
			totalPages = page.TotalPages
		}
		if len(page.Items) == 0 {
			break
		}

		out, err := r.processPage(sc, b, page.Items)
		if err != nil {
			return fmt.Errorf("page %d: %w", number, err)
		}
		if err := b.WritePage(sc, out); err != nil {
			return fmt.Errorf("write page %d: %w", number, err)
		}
		sc.AddItemsProcessed(int64(len(out)))
		r.metrics.ItemsProcessed(int64(len(out)))

		if fixed {
			number++
			// 0 表示總頁數未知，讀到空頁為止
			if totalPages > 0 && number >= totalPages {
				break
			}
		}
	}

	if err := b.OnComplete(sc); err != nil {
		return fmt.Errorf("on complete: %w", err)
	}
	return nil
}

func (r *Runner) processPage(sc *pipeline.StepContext, b pipeline.BatchStep, items []any) ([]any, error) {
	out := make([]any, len(items))
	for start := 0; start < len(items); start += r.inFlight {
		end := min(start+r.inFlight, len(items))
		if err := r.processWindow(sc, b, items[start:end], out[start:end], start); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// processWindow submits one window and joins every submitted task, even after
// a failure or cancellation, so no item of this step is still running when it
// returns. Items observe cancellation through sc.
func (r *Runner) processWindow(sc *pipeline.StepContext, b pipeline.BatchStep, items, out []any, offset int) error {
	futures := make([]*worker.Future, 0, len(items))
	var firstErr error
	for i, item := range items {
		f, err := r.pool.Submit(worker.Task{
			ID: fmt.Sprintf("%s/%d", sc.StepRunID, offset+i),
			Run: func(context.Context) (any, error) {
				return b.ProcessItem(sc, item)
			},
		})
		if err != nil {
			firstErr = fmt.Errorf("submit item %d: %w", offset+i, err)
			break
		}
		futures = append(futures, f)
	}

	join := context.WithoutCancel(sc)
	for i, f := range futures {
		res, err := f.Wait(join)
		if err != nil {
			return err
		}
		if res.Error != nil && firstErr == nil {
			firstErr = fmt.Errorf("item %d: %w", offset+i, res.Error)
		}
		out[i] = res.Value
	}
	if firstErr == nil {
		firstErr = sc.Err()
	}
	return firstErr
}
