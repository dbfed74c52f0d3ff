package job

import (
	"context"

	xerrors "PluginShell/internal/errors"
)

// Store 抽象了作业与批次状态的持久化接口。
type Store interface {
	Create(ctx context.Context, j *Job) error
	CreateBatch(ctx context.Context, batch *Batch, jobs []*Job) error
	Get(ctx context.Context, id string) (*Job, error)
	GetBatch(ctx context.Context, id string) (*Batch, error)
	// Claim 将排队中的作业原子地转为运行中并递增 attempt。
	// 同一作业同时只有一个 Claim 能成功，这是至多一次执行不变量的根基。
	Claim(ctx context.Context, id string) (*Job, error)
	// Requeue 在失败重试时将运行中的作业放回排队状态，保留错误信息。
	Requeue(ctx context.Context, id string, code xerrors.Code, lastError string) error
	MarkSucceeded(ctx context.Context, id string, result any) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	MarkCancelled(ctx context.Context, id string) error
	// RequestCancel 设置协作式取消标志。排队中的作业直接转为
	// cancelled，此时返回 true；运行中的作业只打标记，由 worker 收尾。
	RequestCancel(ctx context.Context, id string) (*Job, bool, error)
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
