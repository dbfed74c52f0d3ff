package bus

import (
	"context"
	"errors"
	"testing"

	xerrors "PluginShell/internal/errors"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	var got []int
	b.Subscribe("topic", func(evt Event) error {
		got = append(got, 1)
		return nil
	})
	b.Subscribe("topic", func(evt Event) error {
		got = append(got, 2)
		return nil
	})

	b.Publish("topic", "payload")

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("订阅者未按注册顺序收到事件: %v", got)
	}
}

func TestPublishIsolatesPanics(t *testing.T) {
	b := New()
	delivered := false
	b.Subscribe("topic", func(evt Event) error {
		panic("boom")
	})
	b.Subscribe("topic", func(evt Event) error {
		delivered = true
		return nil
	})

	b.Publish("topic", nil)

	if !delivered {
		t.Fatal("panic 的订阅者阻断了后续投递")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	unsub := b.Subscribe("topic", func(evt Event) error {
		count++
		return nil
	})

	b.Publish("topic", nil)
	unsub()
	b.Publish("topic", nil)

	if count != 1 {
		t.Fatalf("解除订阅后仍收到事件, count=%d", count)
	}
}

func TestPublishFromCarriesOrigin(t *testing.T) {
	b := New()
	var origin string
	b.Subscribe("topic", func(evt Event) error {
		origin = evt.Origin
		return nil
	})

	b.PublishFrom("echo", "topic", nil)

	if origin != "echo" {
		t.Fatalf("期望来源 echo, 实际 %q", origin)
	}
}

func TestRequestNoHandler(t *testing.T) {
	b := New()
	_, err := b.Request(context.Background(), "topic", nil)
	if xerrors.CodeOf(err) != xerrors.CodeNoHandler {
		t.Fatalf("期望 NO_HANDLER, 实际 %v", err)
	}
}

func TestRequestAmbiguousHandler(t *testing.T) {
	b := New()
	handler := func(ctx context.Context, payload any) (any, error) { return nil, nil }
	b.Respond("topic", handler)
	b.Respond("topic", handler)

	_, err := b.Request(context.Background(), "topic", nil)
	if xerrors.CodeOf(err) != xerrors.CodeAmbiguousHandler {
		t.Fatalf("期望 AMBIGUOUS_HANDLER, 实际 %v", err)
	}
}

func TestRequestWrapsHandlerFailure(t *testing.T) {
	b := New()
	cause := errors.New("downstream broken")
	b.Respond("topic", func(ctx context.Context, payload any) (any, error) {
		return nil, cause
	})

	_, err := b.Request(context.Background(), "topic", nil)
	if xerrors.CodeOf(err) != xerrors.CodeHandlerFailure {
		t.Fatalf("期望 HANDLER_FAILURE, 实际 %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("原始错误未被保留")
	}
}

func TestRequestRecoversHandlerPanic(t *testing.T) {
	b := New()
	b.Respond("topic", func(ctx context.Context, payload any) (any, error) {
		panic("boom")
	})

	_, err := b.Request(context.Background(), "topic", nil)
	if xerrors.CodeOf(err) != xerrors.CodeHandlerFailure {
		t.Fatalf("期望 HANDLER_FAILURE, 实际 %v", err)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	b := New()
	unsub := b.Respond("topic", func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	})
	defer unsub()

	result, err := b.Request(context.Background(), "topic", "ping")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if result != "ping" {
		t.Fatalf("期望 ping, 实际 %v", result)
	}

	unsub()
	if _, err := b.Request(context.Background(), "topic", nil); xerrors.CodeOf(err) != xerrors.CodeNoHandler {
		t.Fatalf("解除注册后期望 NO_HANDLER, 实际 %v", err)
	}
}
