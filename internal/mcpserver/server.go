package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"PluginShell/internal/bus"
	"PluginShell/internal/registry"
	"PluginShell/pkg/logger"
	"PluginShell/pkg/plugin"
)

// Version 在构建时通过 ldflags 注入。
var Version = "dev"

// Server 将注册表中的工具与资源映射为 MCP 能力。注册表是唯一事实
// 来源，Server 只做镜像：通过重放加实时订阅保证不漏、不重。
type Server struct {
	mcp      *server.MCPServer
	registry *registry.Registry
	bus      *bus.Bus
	level    registry.Visibility
	log      *slog.Logger

	mu sync.Mutex
	// removedResources 记录已卸载的资源 URI。mcp-go 不支持移除资源，
	// 读取被墓碑化的 URI 时返回错误。
	removedResources map[string]struct{}
	unsubs           []func()
}

// Option 定义可选配置。
type Option func(*Server)

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// New 创建 MCP 传输层。level 为该传输持有的信任级别，只有不高于
// 此级别的能力会被暴露。
func New(reg *registry.Registry, b *bus.Bus, level registry.Visibility, opts ...Option) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			"plugin-shell",
			Version,
			server.WithToolCapabilities(true),
			server.WithResourceCapabilities(false, true),
			server.WithRecovery(),
		),
		registry:         reg,
		bus:              b,
		level:            level,
		removedResources: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log == nil {
		s.log = logger.Named("mcp")
	}
	return s
}

// Start 建立注册表镜像。先重放历史注册事件，再跟随实时事件，
// 因此无论传输层何时启动，看到的能力集合都与注册表一致。
func (s *Server) Start() {
	subscribe := func(topic string, handler bus.Handler) {
		s.unsubs = append(s.unsubs, s.registry.SubscribeWithReplay(topic, handler))
	}
	subscribe(registry.TopicToolRegister, s.onToolUpsert)
	subscribe(registry.TopicToolUpdate, s.onToolUpsert)
	subscribe(registry.TopicToolUnregister, s.onToolRemove)
	subscribe(registry.TopicResourceRegister, s.onResourceUpsert)
	subscribe(registry.TopicResourceUpdate, s.onResourceUpsert)
	subscribe(registry.TopicResourceUnregister, s.onResourceRemove)
}

// Stop 解除全部订阅。
func (s *Server) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// ServeStdio 以 stdio 传输运行 MCP 服务，阻塞直到对端断开。
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// Underlying 返回底层 MCP server，供测试与其他传输使用。
func (s *Server) Underlying() *server.MCPServer {
	return s.mcp
}

func (s *Server) onToolUpsert(evt bus.Event) error {
	t, ok := evt.Payload.(registry.Tool)
	if !ok {
		return fmt.Errorf("unexpected tool payload %T", evt.Payload)
	}
	if !s.level.Allows(t.Visibility) {
		// 升级更新可能使原本可见的工具越过信任级别，按移除处理。
		s.mcp.DeleteTools(t.QualifiedName())
		return nil
	}
	s.mcp.AddTool(s.convertTool(t), s.callHandler(t.QualifiedName()))
	s.log.Debug("工具已暴露", slog.String("tool", t.QualifiedName()))
	return nil
}

func (s *Server) onToolRemove(evt bus.Event) error {
	t, ok := evt.Payload.(registry.Tool)
	if !ok {
		return fmt.Errorf("unexpected tool payload %T", evt.Payload)
	}
	s.mcp.DeleteTools(t.QualifiedName())
	s.log.Debug("工具已移除", slog.String("tool", t.QualifiedName()))
	return nil
}

func (s *Server) onResourceUpsert(evt bus.Event) error {
	res, ok := evt.Payload.(registry.Resource)
	if !ok {
		return fmt.Errorf("unexpected resource payload %T", evt.Payload)
	}
	if !s.level.Allows(res.Visibility) {
		return nil
	}
	s.mu.Lock()
	delete(s.removedResources, res.URI)
	s.mu.Unlock()
	s.mcp.AddResource(s.convertResource(res), s.readHandler(res))
	s.log.Debug("资源已暴露", slog.String("resource", res.QualifiedName()))
	return nil
}

func (s *Server) onResourceRemove(evt bus.Event) error {
	res, ok := evt.Payload.(registry.Resource)
	if !ok {
		return fmt.Errorf("unexpected resource payload %T", evt.Payload)
	}
	s.mu.Lock()
	s.removedResources[res.URI] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("资源已墓碑化", slog.String("resource", res.QualifiedName()))
	return nil
}

// convertTool 将注册表工具转换为 MCP 工具定义。输入 schema 原样
// 透传，插件未提供时退化为接受任意对象。
func (s *Server) convertTool(t registry.Tool) mcp.Tool {
	schema := json.RawMessage(`{"type":"object"}`)
	if len(t.InputSchema) > 0 {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			schema = raw
		} else {
			s.log.Warn("工具 schema 编码失败，使用默认 schema",
				slog.String("tool", t.QualifiedName()),
				slog.Any("error", err),
			)
		}
	}
	return mcp.NewToolWithRawSchema(t.QualifiedName(), t.Description, schema)
}

// callHandler 通过总线的请求通道调用工具，与进程内其他调用方走
// 同一条路径。
func (s *Server) callHandler(qualifiedName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.bus.Request(ctx, plugin.TopicToolExecute, plugin.ExecuteRequest{
			Tool: qualifiedName,
			Args: req.GetArguments(),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := renderResult(result)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func (s *Server) convertResource(res registry.Resource) mcp.Resource {
	opts := []mcp.ResourceOption{}
	if res.Description != "" {
		opts = append(opts, mcp.WithResourceDescription(res.Description))
	}
	if res.MIMEType != "" {
		opts = append(opts, mcp.WithMIMEType(res.MIMEType))
	}
	return mcp.NewResource(res.URI, res.QualifiedName(), opts...)
}

func (s *Server) readHandler(res registry.Resource) server.ResourceHandlerFunc {
	uri := res.URI
	read := res.Read
	mimeType := res.MIMEType
	if mimeType == "" {
		mimeType = "text/plain"
	}
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		s.mu.Lock()
		_, removed := s.removedResources[uri]
		s.mu.Unlock()
		if removed {
			return nil, fmt.Errorf("resource %s is no longer available", uri)
		}
		content, err := read(ctx)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      uri,
				MIMEType: mimeType,
				Text:     content,
			},
		}, nil
	}
}

// renderResult 将工具返回值序列化为文本。字符串原样返回，其余
// 类型编码为 JSON。
func renderResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode tool result: %w", err)
		}
		return string(raw), nil
	}
}
