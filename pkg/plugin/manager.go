package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"PluginShell/internal/bus"
	"PluginShell/internal/daemon"
	xerrors "PluginShell/internal/errors"
	"PluginShell/internal/job"
	"PluginShell/internal/registry"
	"PluginShell/pkg/logger"
)

// TopicToolExecute is the request topic for invoking a registered tool
// through the bus. Transports resolve tools by qualified name and send
// an ExecuteRequest; the manager answers with the handler's result.
const TopicToolExecute = "plugin:tool:execute"

// ExecuteRequest is the payload for TopicToolExecute.
type ExecuteRequest struct {
	// Tool is the qualified name, "<plugin-id>:<tool-name>".
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type instance struct {
	plugin    Plugin
	ctx       *Context
	state     State
	lastError string
	source    string
}

// Manager owns the plugin lifecycle: registration, capability wiring,
// daemon startup and unloading. One plugin's failure never propagates
// to another.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*instance
	order     []string

	registry   *registry.Registry
	jobs       *job.Service
	supervisor *daemon.Supervisor
	bus        *bus.Bus
	log        *slog.Logger
	loader     Loader

	execUnsub func()
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLoader overrides the loader used for plugins configured by path.
func WithLoader(loader Loader) ManagerOption {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithManagerLogger overrides the manager's logger.
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager constructs a plugin manager and installs the bus responder
// for tool execution requests.
func NewManager(reg *registry.Registry, jobs *job.Service, supervisor *daemon.Supervisor, b *bus.Bus, opts ...ManagerOption) *Manager {
	m := &Manager{
		instances:  make(map[string]*instance),
		registry:   reg,
		jobs:       jobs,
		supervisor: supervisor,
		bus:        b,
		loader:     SharedObjectLoader{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.log == nil {
		m.log = logger.Named("plugin")
	}
	if b != nil {
		m.execUnsub = b.Respond(TopicToolExecute, m.executeTool)
	}
	return m
}

// Register adds a plugin instance to the manager. Registration of
// capabilities happens later in RegisterAll.
func (m *Manager) Register(p Plugin, ceiling Visibility, config map[string]any) error {
	return m.register(p, ceiling, config, "builtin")
}

func (m *Manager) register(p Plugin, ceiling Visibility, config map[string]any, source string) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin implementation cannot be nil")
	}
	id := strings.TrimSpace(p.ID())
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin id cannot be empty")
	}
	if strings.Contains(id, ":") {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("plugin id %q must not contain ':'", id))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[id]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("plugin %s already registered", id))
	}
	m.instances[id] = &instance{
		plugin: p,
		state:  StateRegistered,
		source: source,
		ctx: &Context{
			pluginID:      id,
			maxVisibility: ceiling,
			config:        config,
			registry:      m.registry,
			jobs:          m.jobs,
			supervisor:    m.supervisor,
			bus:           m.bus,
			log:           logger.Named("plugin." + id),
		},
	}
	m.order = append(m.order, id)
	return nil
}

// LoadConfigured loads and registers every enabled plugin from the
// configuration, resolving shared-object plugins through the loader.
func (m *Manager) LoadConfigured(cfg Config) error {
	var errs []string
	for _, entry := range cfg.Plugins {
		if !entry.Enabled {
			m.log.Info("plugin disabled by config", slog.String("plugin_id", entry.ID))
			continue
		}
		ceiling, err := registry.ParseVisibility(entry.Visibility)
		if err != nil {
			m.log.Warn("invalid visibility in plugin config, defaulting to public",
				slog.String("plugin_id", entry.ID),
				slog.String("visibility", entry.Visibility),
			)
		}
		p, err := m.loader.Load(entry.Path)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", entry.ID, err))
			continue
		}
		if entry.ID != "" && p.ID() != entry.ID {
			errs = append(errs, fmt.Sprintf("%s: plugin reports id %q", entry.ID, p.ID()))
			continue
		}
		if err := m.register(p, ceiling, entry.Config, entry.Path); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", entry.ID, err))
		}
	}
	if len(errs) > 0 {
		return xerrors.New(xerrors.CodePluginRegistration,
			fmt.Sprintf("failed to load plugins: %s", strings.Join(errs, "; ")))
	}
	return nil
}

// RegisterAll runs every plugin's Register hook sequentially in
// registration order. A failing or panicking plugin is marked failed,
// its partial capability registrations are rolled back, and the
// remaining plugins still register. The returned error names the
// failed plugins.
func (m *Manager) RegisterAll(ctx context.Context) error {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var failed []string
	for _, id := range ids {
		inst, state := m.lookup(id)
		if inst == nil || state != StateRegistered {
			continue
		}

		m.setState(inst, StateInitializing)
		err := m.registerOne(ctx, inst)
		if err != nil {
			m.setFailed(inst, err)
			m.registry.UnregisterPlugin(id)
			inst.ctx.detach()
			m.log.Error("plugin registration failed",
				slog.String("plugin_id", id),
				slog.Any("error", err),
			)
			failed = append(failed, id)
			continue
		}
		m.setState(inst, StateActive)
		logger.Audit().Info("plugin active",
			slog.String("plugin_id", id),
			slog.String("source", inst.source),
		)
	}

	if len(failed) > 0 {
		return xerrors.New(xerrors.CodePluginRegistration,
			fmt.Sprintf("plugin registration failed: %s", strings.Join(failed, ", ")))
	}
	return nil
}

// 实例状态与 List/Get 的读取共用 m.mu，单独的字段写入也必须持锁。
func (m *Manager) lookup(id string) (*instance, State) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst := m.instances[id]
	if inst == nil {
		return nil, ""
	}
	return inst, inst.state
}

func (m *Manager) setState(inst *instance, state State) {
	m.mu.Lock()
	inst.state = state
	m.mu.Unlock()
}

func (m *Manager) setFailed(inst *instance, cause error) {
	m.mu.Lock()
	inst.state = StateFailed
	inst.lastError = cause.Error()
	m.mu.Unlock()
}

func (m *Manager) registerOne(_ context.Context, inst *instance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panicked during registration: %v", r)
		}
	}()
	return inst.plugin.Register(inst.ctx)
}

// StartDaemons starts every daemon registered by active plugins.
func (m *Manager) StartDaemons(ctx context.Context) error {
	if m.supervisor == nil {
		return nil
	}
	return m.supervisor.StartAll(ctx)
}

// Unload detaches a plugin: its daemons are stopped, its capabilities
// removed from the registry and its bus subscriptions dropped. Job
// handlers stay registered so in-flight jobs of its types can finish.
func (m *Manager) Unload(ctx context.Context, id string) error {
	inst, state := m.lookup(id)
	if inst == nil {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %s not found", id))
	}
	if state != StateActive && state != StateFailed {
		return nil
	}

	m.setState(inst, StateStopping)
	if m.supervisor != nil {
		for _, daemonID := range inst.ctx.daemonIDs {
			if err := m.supervisor.Stop(ctx, daemonID); err != nil {
				m.log.Warn("failed to stop plugin daemon",
					slog.String("plugin_id", id),
					slog.String("daemon_id", daemonID),
					slog.Any("error", err),
				)
			}
		}
	}
	m.registry.UnregisterPlugin(id)
	inst.ctx.detach()
	m.setState(inst, StateStopped)
	logger.Audit().Info("plugin unloaded", slog.String("plugin_id", id))
	return nil
}

// Shutdown stops all daemons and unloads every plugin. The tool
// responder is removed last so in-flight requests keep a target.
func (m *Manager) Shutdown(ctx context.Context) error {
	var firstErr error
	if m.supervisor != nil {
		if err := m.supervisor.StopAll(ctx); err != nil {
			firstErr = err
		}
	}
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()
	for i := len(ids) - 1; i >= 0; i-- {
		inst, state := m.lookup(ids[i])
		if inst == nil || (state != StateActive && state != StateFailed) {
			continue
		}
		m.registry.UnregisterPlugin(ids[i])
		inst.ctx.detach()
		m.setState(inst, StateStopped)
	}
	if m.execUnsub != nil {
		m.execUnsub()
		m.execUnsub = nil
	}
	return firstErr
}

// List returns plugin snapshots in registration order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	toolCounts := make(map[string]int)
	for _, t := range m.registry.ListTools(0) {
		toolCounts[t.PluginID]++
	}
	resourceCounts := make(map[string]int)
	for _, res := range m.registry.ListResources(0) {
		resourceCounts[res.PluginID]++
	}

	infos := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		inst := m.instances[id]
		infos = append(infos, Info{
			ID:        id,
			State:     inst.state,
			LastError: inst.lastError,
			Source:    inst.source,
			Tools:     toolCounts[id],
			Resources: resourceCounts[id],
		})
	}
	return infos
}

// Get returns the snapshot of a single plugin.
func (m *Manager) Get(id string) (Info, bool) {
	for _, info := range m.List() {
		if info.ID == id {
			return info, true
		}
	}
	return Info{}, false
}

// executeTool answers TopicToolExecute requests by resolving the tool
// in the registry and invoking its handler in-process.
func (m *Manager) executeTool(ctx context.Context, payload any) (any, error) {
	req, err := coerceExecuteRequest(payload)
	if err != nil {
		return nil, err
	}
	pluginID, name, ok := registry.SplitQualifiedName(req.Tool)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("malformed tool name %q", req.Tool))
	}
	tool, ok := m.registry.GetTool(pluginID, name)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("tool %s not registered", req.Tool))
	}
	return tool.Handler(ctx, req.Args)
}

func coerceExecuteRequest(payload any) (ExecuteRequest, error) {
	switch v := payload.(type) {
	case ExecuteRequest:
		return v, nil
	case *ExecuteRequest:
		if v == nil {
			return ExecuteRequest{}, xerrors.New(xerrors.CodeInvalidArgument, "nil execute request")
		}
		return *v, nil
	case map[string]any:
		req := ExecuteRequest{}
		if tool, ok := v["tool"].(string); ok {
			req.Tool = tool
		}
		if args, ok := v["args"].(map[string]any); ok {
			req.Args = args
		}
		if req.Tool == "" {
			return ExecuteRequest{}, xerrors.New(xerrors.CodeInvalidArgument, "execute request missing tool name")
		}
		return req, nil
	default:
		return ExecuteRequest{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported execute payload %T", payload))
	}
}
