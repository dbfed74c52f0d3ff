package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	xerrors "PluginShell/internal/errors"
	"PluginShell/pkg/logger"
)

// Event 是总线上投递给订阅者的一条消息。
type Event struct {
	// Topic 为约定前缀的主题名，例如 system:job:succeeded。
	Topic string `json:"topic"`
	// Payload 为任意事件载荷，由发布方定义。
	Payload any `json:"payload"`
	// Origin 标识触发事件的插件 ID，系统事件可为空。
	Origin string `json:"origin,omitempty"`
}

// Handler 处理一条发布出来的事件。返回的错误只会被记录，不会传播给发布方。
type Handler func(evt Event) error

// RequestHandler 响应一次请求调用并返回结果。
type RequestHandler func(ctx context.Context, payload any) (any, error)

type subscription struct {
	id      uint64
	handler Handler
}

type responder struct {
	id      uint64
	handler RequestHandler
}

// Bus 维护进程级的订阅表，生命周期与进程一致。
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[string][]subscription
	responders  map[string][]responder
	log         *slog.Logger
}

// Option 定义可选配置。
type Option func(*Bus)

// WithLogger 指定总线使用的日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// New 创建一条空的消息总线。
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[string][]subscription),
		responders:  make(map[string][]responder),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.log == nil {
		b.log = logger.Named("bus")
	}
	return b
}

// Publish 将事件投递给当前主题的全部订阅者，按订阅顺序依次调用。
// 订阅者的错误或 panic 被捕获并记录，绝不会传播给发布方，也不会
// 阻止后续订阅者收到事件。
func (b *Bus) Publish(topic string, payload any) {
	b.PublishFrom("", topic, payload)
}

// PublishFrom 与 Publish 相同，并额外携带事件来源插件 ID。
func (b *Bus) PublishFrom(origin, topic string, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload, Origin: origin}
	for _, sub := range subs {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("订阅者处理事件时 panic",
				slog.String("topic", evt.Topic),
				slog.Any("panic", r),
			)
		}
	}()
	if err := sub.handler(evt); err != nil {
		b.log.Warn("订阅者处理事件失败",
			slog.String("topic", evt.Topic),
			slog.Any("error", err),
		)
	}
}

// Subscribe 注册一个订阅者，返回用于解除订阅的函数。
// 同一主题的多个订阅者按注册顺序被调用。
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[topic] = append(b.subscribers[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		for i, sub := range subs {
			if sub.id == id {
				b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Respond 注册主题的请求处理器，返回解除注册的函数。
// 一个主题只应有一个处理器，注册多个会使后续 Request 调用失败。
func (b *Bus) Respond(topic string, handler RequestHandler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.responders[topic] = append(b.responders[topic], responder{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		resps := b.responders[topic]
		for i, r := range resps {
			if r.id == id {
				b.responders[topic] = append(resps[:i:i], resps[i+1:]...)
				break
			}
		}
	}
}

// Request 调用主题的唯一处理器并等待其返回。
// 主题没有处理器时返回 NO_HANDLER，多于一个时返回 AMBIGUOUS_HANDLER，
// 处理器自身的错误以 HANDLER_FAILURE 包裹后返回。
func (b *Bus) Request(ctx context.Context, topic string, payload any) (any, error) {
	b.mu.RLock()
	resps := b.responders[topic]
	var target RequestHandler
	count := len(resps)
	if count == 1 {
		target = resps[0].handler
	}
	b.mu.RUnlock()

	switch {
	case count == 0:
		return nil, xerrors.New(xerrors.CodeNoHandler, fmt.Sprintf("主题 %s 没有注册处理器", topic))
	case count > 1:
		return nil, xerrors.New(xerrors.CodeAmbiguousHandler, fmt.Sprintf("主题 %s 注册了 %d 个处理器", topic, count))
	}

	result, err := b.invoke(ctx, target, payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeHandlerFailure, err, fmt.Sprintf("主题 %s 的处理器执行失败", topic))
	}
	return result, nil
}

func (b *Bus) invoke(ctx context.Context, handler RequestHandler, payload any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, payload)
}

// CloseAll 清空全部订阅与请求处理器，供关停和测试使用。
func (b *Bus) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]subscription)
	b.responders = make(map[string][]responder)
}
