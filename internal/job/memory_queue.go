package job

import (
	"context"
	"sync"

	xerrors "PluginShell/internal/errors"
)

// MemoryQueue 在进程内模拟消息队列，是单进程部署的默认实现。
// 积压在内存中无上界，Publish 从不阻塞调用方。
type MemoryQueue struct {
	mu      sync.Mutex
	backlog []string
	signal  chan struct{}
	done    chan struct{}
	closed  bool
}

// NewMemoryQueue 创建一个内存队列，size 仅作为积压切片的初始容量。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{
		backlog: make([]string, 0, size),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Publish 将作业 ID 追加到积压队列并唤醒一个消费者。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return xerrors.New(CodeJobPublish, "队列已关闭")
	}
	q.backlog = append(q.backlog, jobID)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 {
		return "", false
	}
	jobID := q.backlog[0]
	q.backlog = q.backlog[1:]
	return jobID, true
}

// Consume 启动指定数量的工作协程消费队列中的作业。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if jobID, ok := q.pop(); ok {
					_ = handler(ctx, jobID)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case <-q.signal:
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列，之后的 Publish 被拒绝。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	return nil
}
