package job

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "PluginShell/internal/errors"
)

// MemoryStore 以内存方式保存作业与批次状态，是默认实现。
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	batches map[string]*Batch
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*Job),
		batches: make(map[string]*Batch),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, j *Job) error {
	if j == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if j.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(j)
}

func (m *MemoryStore) createLocked(j *Job) error {
	if _, ok := m.jobs[j.ID]; ok {
		return ErrJobConflict
	}
	if j.CreatedAt == 0 {
		j.CreatedAt = time.Now().Unix()
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

// CreateBatch 原子地写入批次记录与全部成员作业。
func (m *MemoryStore) CreateBatch(_ context.Context, batch *Batch, jobs []*Job) error {
	if batch == nil || batch.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "批次 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[batch.ID]; ok {
		return ErrJobConflict
	}
	for _, j := range jobs {
		if _, ok := m.jobs[j.ID]; ok {
			return ErrJobConflict
		}
	}
	if batch.CreatedAt == 0 {
		batch.CreatedAt = time.Now().Unix()
	}
	stored := *batch
	stored.JobIDs = append([]string(nil), batch.JobIDs...)
	m.batches[batch.ID] = &stored
	for _, j := range jobs {
		if err := m.createLocked(j); err != nil {
			return err
		}
	}
	return nil
}

// Get 返回作业快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(j), nil
}

// GetBatch 返回批次记录。
func (m *MemoryStore) GetBatch(_ context.Context, id string) (*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	batch, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	clone := *batch
	clone.JobIDs = append([]string(nil), batch.JobIDs...)
	return &clone, nil
}

// Claim 将排队中的作业转为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	switch j.Status {
	case StatusSucceeded, StatusFailed:
		return cloneJob(j), ErrJobCompleted
	case StatusCancelled:
		return cloneJob(j), ErrJobCancelled
	case StatusRunning:
		return cloneJob(j), ErrJobConflict
	}
	if j.CancelRequested {
		j.Status = StatusCancelled
		j.FinishedAt = time.Now().Unix()
		return cloneJob(j), errCancelledOnClaim
	}
	if j.Attempt >= j.MaxAttempts {
		return cloneJob(j), ErrJobExhausted
	}
	j.Status = StatusRunning
	j.Attempt++
	j.StartedAt = time.Now().Unix()
	return cloneJob(j), nil
}

// Requeue 将运行中的作业放回队列等待重试。
func (m *MemoryStore) Requeue(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != StatusRunning {
		return ErrJobConflict
	}
	j.Status = StatusQueued
	j.LastError = lastError
	j.ErrorCode = string(code)
	return nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = StatusSucceeded
	j.Result = result
	j.LastError = ""
	j.ErrorCode = ""
	j.FinishedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记作业终态失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = StatusFailed
	j.LastError = lastError
	j.ErrorCode = string(code)
	j.FinishedAt = time.Now().Unix()
	return nil
}

// MarkCancelled 将作业转为取消终态。
func (m *MemoryStore) MarkCancelled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status.Terminal() {
		return ErrJobCompleted
	}
	j.Status = StatusCancelled
	j.FinishedAt = time.Now().Unix()
	return nil
}

// RequestCancel 设置取消标志。排队中的作业立即转为 cancelled。
func (m *MemoryStore) RequestCancel(_ context.Context, id string) (*Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, false, ErrJobNotFound
	}
	if j.Status.Terminal() {
		return cloneJob(j), false, ErrJobCompleted
	}
	j.CancelRequested = true
	if j.Status == StatusQueued {
		j.Status = StatusCancelled
		j.FinishedAt = time.Now().Unix()
		return cloneJob(j), true, nil
	}
	return cloneJob(j), false, nil
}

// List 返回符合过滤条件的作业列表。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !matchesListFilters(j, opts) {
			continue
		}
		results = append(results, cloneJob(j))
	}

	sort.Slice(results, func(i, k int) bool {
		if opts.Order == SortByCreatedAsc {
			if results[i].CreatedAt == results[k].CreatedAt {
				return results[i].ID < results[k].ID
			}
			return results[i].CreatedAt < results[k].CreatedAt
		}
		if results[i].CreatedAt == results[k].CreatedAt {
			return results[i].ID < results[k].ID
		}
		return results[i].CreatedAt > results[k].CreatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Job{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的作业数量。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, j := range m.jobs {
		if !matchesListFilters(j, opts) {
			continue
		}
		stats.Total++
		switch j.Status {
		case StatusQueued:
			stats.Queued++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(j *Job, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if j.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Type != "" && j.Type != opts.Type {
		return false
	}
	if opts.Owner != "" && j.Owner != opts.Owner {
		return false
	}
	if opts.BatchID != "" && j.BatchID != opts.BatchID {
		return false
	}
	if opts.CreatedGTE > 0 && j.CreatedAt < opts.CreatedGTE {
		return false
	}
	if opts.CreatedLTE > 0 && j.CreatedAt > opts.CreatedLTE {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
