package jobmanager

import (
	"fmt"

	"github.com/ChuLiYu/beaver-batch/pkg/pipeline"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// registeredJob 註冊時解析好的作業定義
type registeredJob struct {
	job   pipeline.Job
	steps []pipeline.Descriptor
	index map[string]int // stepName → 在 pipeline 中的位置
}

// Registry 作業註冊表，建立後唯讀
type Registry struct {
	jobs  map[string]*registeredJob
	names []string
}

// NewRegistry 驗證並註冊作業定義
//
// 每個步驟的能力（Simple / Batch / Partitioned）在這裡解析一次。
// 重名作業、空 pipeline、同一作業內重名步驟、能力不明的步驟都是
// types.ErrConfiguration。
func NewRegistry(jobs ...pipeline.Job) (*Registry, error) {
	r := &Registry{jobs: make(map[string]*registeredJob, len(jobs))}
	for _, job := range jobs {
		if job == nil || job.Name() == "" {
			return nil, fmt.Errorf("%w: job without a name", types.ErrConfiguration)
		}
		name := job.Name()
		if _, dup := r.jobs[name]; dup {
			return nil, fmt.Errorf("%w: job %q registered twice", types.ErrConfiguration, name)
		}

		steps := job.Pipeline()
		if len(steps) == 0 {
			return nil, fmt.Errorf("%w: job %q has an empty pipeline", types.ErrConfiguration, name)
		}
		rj := &registeredJob{job: job, index: make(map[string]int, len(steps))}
		for i, s := range steps {
			d, err := pipeline.Describe(s)
			if err != nil {
				return nil, fmt.Errorf("job %q: %w", name, err)
			}
			if _, dup := rj.index[d.Name]; dup {
				return nil, fmt.Errorf("%w: job %q has two steps named %q", types.ErrConfiguration, name, d.Name)
			}
			rj.index[d.Name] = i
			rj.steps = append(rj.steps, d)
		}
		r.jobs[name] = rj
		r.names = append(r.names, name)
	}
	return r, nil
}

// Job 依名稱查詢作業
func (r *Registry) Job(name string) (pipeline.Job, bool) {
	rj, ok := r.jobs[name]
	if !ok {
		return nil, false
	}
	return rj.job, true
}

// Names 依註冊順序返回作業名稱
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// ResolveStep 返回步驟的 Descriptor，找不到時為 types.ErrNotFound
func (r *Registry) ResolveStep(jobName, stepName string) (pipeline.Descriptor, error) {
	rj, ok := r.jobs[jobName]
	if !ok {
		return pipeline.Descriptor{}, fmt.Errorf("job %q: %w", jobName, types.ErrNotFound)
	}
	i, ok := rj.index[stepName]
	if !ok {
		return pipeline.Descriptor{}, fmt.Errorf("step %q of job %q: %w", stepName, jobName, types.ErrNotFound)
	}
	return rj.steps[i], nil
}

func (r *Registry) firstStep(jobName string) (pipeline.Descriptor, error) {
	rj, ok := r.jobs[jobName]
	if !ok {
		return pipeline.Descriptor{}, fmt.Errorf("job %q: %w", jobName, types.ErrNotFound)
	}
	return rj.steps[0], nil
}

// nextStep 返回 stepName 之後的步驟；ok 為 false 表示已是最後一步
func (r *Registry) nextStep(jobName, stepName string) (next pipeline.Descriptor, ok bool, err error) {
	rj, found := r.jobs[jobName]
	if !found {
		return pipeline.Descriptor{}, false, fmt.Errorf("job %q: %w", jobName, types.ErrNotFound)
	}
	i, found := rj.index[stepName]
	if !found {
		return pipeline.Descriptor{}, false, fmt.Errorf("step %q of job %q: %w", stepName, jobName, types.ErrNotFound)
	}
	if i+1 >= len(rj.steps) {
		return pipeline.Descriptor{}, false, nil
	}
	return rj.steps[i+1], true, nil
}
