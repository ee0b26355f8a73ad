package pipeline

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type numbers struct{}

func (n *numbers) OnStart(sc *StepContext) error    { return nil }
func (n *numbers) OnComplete(sc *StepContext) error { return nil }
func (n *numbers) SelectionFixed() bool             { return true }

func (n *numbers) ReadPage(sc *StepContext, req PageRequest) (Page[int], error) {
	return Page[int]{Items: []int{1, 2, 3}, TotalPages: 1}, nil
}

func (n *numbers) ProcessItem(sc *StepContext, item int) (string, error) {
	return strconv.Itoa(item * 2), nil
}

func (n *numbers) WritePage(sc *StepContext, items []string) error { return nil }

type partitionedNumbers struct {
	numbers
}

func (p *partitionedNumbers) Partitions(args types.Args) ([]types.Args, error) {
	return []types.Args{{"shard": 0}, {"shard": 1}}, nil
}

type nameOnly struct{}

func (nameOnly) Name() string { return "bare" }

func TestDescribeSimple(t *testing.T) {
	d, err := Describe(SimpleStep("hello", func(sc *StepContext) error { return nil }))
	require.NoError(t, err)
	assert.Equal(t, "hello", d.Name)
	assert.Equal(t, KindSimple, d.Kind)
	assert.NotNil(t, d.Simple)
	assert.Nil(t, d.Partitioner)
}

func TestDescribeBatch(t *testing.T) {
	d, err := Describe(Batch[int, string]("double", &numbers{}))
	require.NoError(t, err)
	assert.Equal(t, KindBatch, d.Kind)
	assert.Nil(t, d.Partitioner)
	assert.True(t, d.Batch.SelectionFixed())
}

func TestDescribePartitionedBatchImplementation(t *testing.T) {
	d, err := Describe(Batch[int, string]("double", &partitionedNumbers{}))
	require.NoError(t, err)
	require.NotNil(t, d.Partitioner)

	parts, err := d.Partitioner.Partitions(nil)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestDescribeWithPartitionsWrapper(t *testing.T) {
	step := WithPartitions(
		SimpleStep("fanout", func(sc *StepContext) error { return nil }),
		func(args types.Args) ([]types.Args, error) {
			return []types.Args{{"p": "a"}, {"p": "b"}, {"p": "c"}}, nil
		},
	)
	d, err := Describe(step)
	require.NoError(t, err)
	assert.Equal(t, "fanout", d.Name)
	assert.Equal(t, KindSimple, d.Kind)
	require.NotNil(t, d.Partitioner)
}

func TestDescribeRejectsUnknownCapability(t *testing.T) {
	_, err := Describe(nameOnly{})
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	_, err = Describe(nil)
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestBatchStepTypeErasure(t *testing.T) {
	b := Batch[int, string]("double", &numbers{})
	sc := NewStepContext(context.Background(), &types.StepRun{ID: "s1", JobRunID: "j1", StepName: "double"}, nil)

	page, err := b.ReadPage(sc, PageRequest{Number: 0, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, page.Items)

	out, err := b.ProcessItem(sc, 4)
	require.NoError(t, err)
	assert.Equal(t, "8", out)

	_, err = b.ProcessItem(sc, "not an int")
	assert.Error(t, err)
	assert.Error(t, b.WritePage(sc, []any{1}))
}

func TestNewStepContextMergesPartition(t *testing.T) {
	sr := &types.StepRun{
		ID:       "s1",
		JobRunID: "j1",
		StepName: "load",
		Args:     types.Args{"day": "2024-01-01", "shard": "override-me"},
		Partition: &types.Partition{
			Num:   1,
			Total: 3,
			Args:  types.Args{"shard": "b"},
		},
	}
	sc := NewStepContext(context.Background(), sr, nil)

	assert.Equal(t, "2024-01-01", sc.Args.String("day"))
	assert.Equal(t, "b", sc.Args.String("shard"))
	assert.Equal(t, 1, sc.Args.IntOr(types.ArgPartitionNum, -1))
	assert.Equal(t, 3, sc.Args.IntOr(types.ArgPartitionTotal, -1))
	// the StepRun's own args are left untouched
	assert.Equal(t, "override-me", sr.Args.String("shard"))

	sc.AddItemsProcessed(5)
	sc.AddItemsProcessed(2)
	assert.Equal(t, int64(7), sc.ItemsProcessed())
}

func TestDefinitionHooks(t *testing.T) {
	var started, completed bool
	job := NewJob("report", SimpleStep("a", func(sc *StepContext) error { return nil })).
		WithOnStart(func(ctx context.Context, args types.Args) error { started = true; return nil }).
		WithOnComplete(func(ctx context.Context, args types.Args) error { completed = true; return nil })

	require.NoError(t, job.OnStart(context.Background(), nil))
	require.NoError(t, job.OnComplete(context.Background(), nil))
	assert.True(t, started)
	assert.True(t, completed)
	assert.Len(t, job.Pipeline(), 1)
	assert.NoError(t, NewJob("plain").OnStart(context.Background(), nil))
}
