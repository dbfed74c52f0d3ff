package job

import (
	"context"
	"fmt"

	xerrors "PluginShell/internal/errors"
)

// Status 表示作业在生命周期中的状态。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal 判断状态是否为终态。终态之后作业不再变化。
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的作业状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job 描述排队执行的一个作业。同一作业 ID 在任意时刻至多被一个
// worker 执行；状态只能由执行它的 worker 或取消请求修改。
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      Status         `json:"status"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	Owner       string         `json:"owner_plugin_id,omitempty"`
	BatchID     string         `json:"batch_id,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      any            `json:"result,omitempty"`
	// CancelRequested 是协作式取消标志，正在执行的处理器
	// 通过其上下文观察到它，排队中的作业则直接转为 cancelled。
	CancelRequested bool  `json:"cancel_requested,omitempty"`
	CreatedAt       int64 `json:"created_at"`
	StartedAt       int64 `json:"started_at,omitempty"`
	FinishedAt      int64 `json:"finished_at,omitempty"`
}

// Batch 描述一次性入队的一组作业，成员顺序为入队顺序。
// Batch 本身从不直接变更，聚合状态总是由成员作业推导。
type Batch struct {
	ID        string   `json:"id"`
	JobIDs    []string `json:"job_ids"`
	CreatedAt int64    `json:"created_at"`
}

// BatchStatus 是一次查询时刻的批次快照。并发完成之间没有事务性
// 保证，调用方应将其视为最终一致。
type BatchStatus struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Jobs   []*Job `json:"jobs"`
}

// DeriveBatchStatus 由成员作业推导批次状态。已取消的成员不计入
// 完成度：全部剩余成员成功则批次成功，任一成员终态失败则批次失败，
// 所有成员都被取消则批次取消，否则批次仍在运行。
func DeriveBatchStatus(jobs []*Job) Status {
	if len(jobs) == 0 {
		return StatusSucceeded
	}
	active := 0
	anyFailed := false
	anyRunning := false
	for _, j := range jobs {
		if j.Status == StatusCancelled {
			continue
		}
		active++
		switch j.Status {
		case StatusFailed:
			anyFailed = true
		case StatusQueued, StatusRunning:
			anyRunning = true
		}
	}
	switch {
	case active == 0:
		return StatusCancelled
	case anyFailed:
		return StatusFailed
	case anyRunning:
		return StatusRunning
	default:
		return StatusSucceeded
	}
}

// HandlerFunc 执行某一类型的作业。传入的上下文在收到取消请求时
// 被取消；处理器是协作方，不检查上下文的处理器会一直运行到结束。
// 队列不负责处理器的资源清理，取消后的清理是处理器自己的责任。
type HandlerFunc func(ctx context.Context, j *Job) (any, error)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeBatchNotFound xerrors.Code = "BATCH_NOT_FOUND"
	CodeUnknownType   xerrors.Code = "UNKNOWN_JOB_TYPE"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobCancelled  xerrors.Code = "JOB_CANCELLED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeWaitTimeout   xerrors.Code = "WAIT_TIMEOUT"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrBatchNotFound 表示指定的批次不存在。
	ErrBatchNotFound = xerrors.New(CodeBatchNotFound, "batch not found")
	// ErrUnknownType 表示作业类型没有注册处理器。
	ErrUnknownType = xerrors.New(CodeUnknownType, "no handler registered for job type")
	// ErrJobConflict 表示作业在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示作业已经到达终态。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobCancelled 表示作业已被取消。
	ErrJobCancelled = xerrors.New(CodeJobCancelled, "job cancelled", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示作业的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrWaitTimeout 表示等待作业完成超时。作业本身继续执行，
	// 只有本次等待被放弃。
	ErrWaitTimeout = xerrors.New(CodeWaitTimeout, "wait for job timed out", xerrors.WithSeverity(xerrors.SeverityInfo))
)

// errCancelledOnClaim 表示领取时发现取消标志并在此刻完成了状态转移。
// 与 ErrJobCancelled 的区别在于取消事件尚未广播，由领取方负责补发。
var errCancelledOnClaim = fmt.Errorf("%w: cancelled on claim", ErrJobCancelled)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:   "job not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBatchNotFound, xerrors.Attributes{
		Message:   "batch not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnknownType, xerrors.Attributes{
		Message:   "no handler registered for job type",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:   "job conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:   "job already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobCancelled, xerrors.Attributes{
		Message:   "job cancelled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:   "job retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeWaitTimeout, xerrors.Attributes{
		Message:   "wait for job timed out",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "job execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]any, len(payload))
	for key, value := range payload {
		cloned[key] = value
	}
	return cloned
}

func cloneJob(j *Job) *Job {
	clone := *j
	clone.Payload = clonePayload(j.Payload)
	return &clone
}
