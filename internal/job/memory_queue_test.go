package job

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueuePublishNeverBlocks(t *testing.T) {
	q := NewMemoryQueue(8)
	defer q.Close()

	// 没有任何消费者，远超初始容量的投递也必须全部立即成功。
	published := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 2000 && err == nil; i++ {
			err = q.Publish(context.Background(), strconv.Itoa(i))
		}
		published <- err
	}()
	select {
	case err := <-published:
		if err != nil {
			t.Fatalf("入队失败: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("没有消费者时入队不应阻塞")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var got []string
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, jobID string) error {
			mu.Lock()
			got = append(got, jobID)
			mu.Unlock()
			return nil
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2000 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("限期内仅消费 %d 条", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		if id != strconv.Itoa(i) {
			t.Fatalf("消费顺序不符: 第 %d 条为 %s", i, id)
		}
	}
}

func TestMemoryQueueCloseRejectsPublish(t *testing.T) {
	q := NewMemoryQueue(1)
	_ = q.Close()
	if err := q.Publish(context.Background(), "x"); err == nil {
		t.Fatal("关闭后入队应当报错")
	}
}
