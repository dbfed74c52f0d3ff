package registry

import (
	"fmt"
	"sort"
	"sync"

	"PluginShell/internal/bus"
	xerrors "PluginShell/internal/errors"
)

// 能力注册事件的主题约定。
const (
	TopicToolRegister       = "system:tool:register"
	TopicToolUpdate         = "system:tool:update"
	TopicToolUnregister     = "system:tool:unregister"
	TopicResourceRegister   = "system:resource:register"
	TopicResourceUpdate     = "system:resource:update"
	TopicResourceUnregister = "system:resource:unregister"
	TopicEntityRegister     = "system:entity:register"
	TopicTemplateRegister   = "system:template:register"
)

// SystemEvent 是事件日志中的一条记录。Seq 为单调递增的序号而非时钟，
// 用于保证重放时的全序。记录一旦写入即不可变。
type SystemEvent struct {
	Seq     uint64 `json:"seq"`
	Topic   string `json:"topic"`
	Origin  string `json:"origin,omitempty"`
	Payload any    `json:"payload"`
}

// Registry 持有全部能力注册表以及追加式事件日志。
// 日志的大小与注册总量成正比：插件注册集中在启动阶段，不会无限增长。
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	resources map[string]Resource
	entities  map[string]EntityType
	templates map[string]Template

	// logMu 串行化日志追加与总线发布，SubscribeWithReplay 依赖
	// 这一点保证重放与实时事件之间既无空洞也无重复。
	logMu sync.Mutex
	log   []SystemEvent
	seq   uint64

	bus *bus.Bus
}

// New 创建空的能力注册表。
func New(b *bus.Bus) *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		resources: make(map[string]Resource),
		entities:  make(map[string]EntityType),
		templates: make(map[string]Template),
		bus:       b,
	}
}

// RegisterTool 校验并记录一个工具注册，发布对应的系统事件。
// 相同限定名的再次注册为整体替换，此时发布 update 而非 register 事件。
func (r *Registry) RegisterTool(t Tool) error {
	if t.PluginID == "" || t.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具注册缺少 plugin id 或名称")
	}
	if t.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 缺少处理函数", t.QualifiedName()))
	}
	if t.Visibility < VisibilityPublic || t.Visibility > VisibilityAnchor {
		t.Visibility = VisibilityPublic
	}

	key := t.QualifiedName()
	r.mu.Lock()
	_, replaced := r.tools[key]
	r.tools[key] = t
	r.mu.Unlock()

	topic := TopicToolRegister
	if replaced {
		topic = TopicToolUpdate
	}
	r.emit(topic, t.PluginID, t)
	return nil
}

// RegisterResource 校验并记录一个资源注册。
func (r *Registry) RegisterResource(res Resource) error {
	if res.PluginID == "" || res.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资源注册缺少 plugin id 或名称")
	}
	if res.Read == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("资源 %s 缺少读取函数", res.QualifiedName()))
	}
	if res.URI == "" {
		res.URI = "shell://" + res.PluginID + "/" + res.Name
	}
	if res.Visibility < VisibilityPublic || res.Visibility > VisibilityAnchor {
		res.Visibility = VisibilityPublic
	}

	key := res.QualifiedName()
	r.mu.Lock()
	_, replaced := r.resources[key]
	r.resources[key] = res
	r.mu.Unlock()

	topic := TopicResourceRegister
	if replaced {
		topic = TopicResourceUpdate
	}
	r.emit(topic, res.PluginID, res)
	return nil
}

// RegisterEntityType 记录插件贡献的实体类型。
func (r *Registry) RegisterEntityType(et EntityType) error {
	if et.PluginID == "" || et.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "实体类型注册缺少 plugin id 或名称")
	}
	key := QualifiedName(et.PluginID, et.Name)
	r.mu.Lock()
	r.entities[key] = et
	r.mu.Unlock()
	r.emit(TopicEntityRegister, et.PluginID, et)
	return nil
}

// RegisterTemplate 记录插件贡献的模板。
func (r *Registry) RegisterTemplate(tpl Template) error {
	if tpl.PluginID == "" || tpl.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "模板注册缺少 plugin id 或名称")
	}
	key := QualifiedName(tpl.PluginID, tpl.Name)
	r.mu.Lock()
	r.templates[key] = tpl
	r.mu.Unlock()
	r.emit(TopicTemplateRegister, tpl.PluginID, tpl)
	return nil
}

// GetTool 按插件 ID 与本地名查找工具。
func (r *Registry) GetTool(pluginID, name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[QualifiedName(pluginID, name)]
	return t, ok
}

// GetResource 按插件 ID 与本地名查找资源。
func (r *Registry) GetResource(pluginID, name string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[QualifiedName(pluginID, name)]
	return res, ok
}

// ListTools 返回当前工具快照。传入 maxVisibility 时只返回
// 该信任级别可见的条目，0 表示不过滤。
func (r *Registry) ListTools(maxVisibility Visibility) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if maxVisibility != 0 && !maxVisibility.Allows(t.Visibility) {
			continue
		}
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].QualifiedName() < tools[j].QualifiedName()
	})
	return tools
}

// ListResources 返回当前资源快照，过滤语义与 ListTools 相同。
func (r *Registry) ListResources(maxVisibility Visibility) []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resources := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		if maxVisibility != 0 && !maxVisibility.Allows(res.Visibility) {
			continue
		}
		resources = append(resources, res)
	}
	sort.Slice(resources, func(i, j int) bool {
		return resources[i].QualifiedName() < resources[j].QualifiedName()
	})
	return resources
}

// ListEntityTypes 返回当前实体类型快照。
func (r *Registry) ListEntityTypes() []EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]EntityType, 0, len(r.entities))
	for _, et := range r.entities {
		entities = append(entities, et)
	}
	sort.Slice(entities, func(i, j int) bool {
		return QualifiedName(entities[i].PluginID, entities[i].Name) < QualifiedName(entities[j].PluginID, entities[j].Name)
	})
	return entities
}

// ListTemplates 返回当前模板快照。
func (r *Registry) ListTemplates() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	templates := make([]Template, 0, len(r.templates))
	for _, tpl := range r.templates {
		templates = append(templates, tpl)
	}
	sort.Slice(templates, func(i, j int) bool {
		return QualifiedName(templates[i].PluginID, templates[i].Name) < QualifiedName(templates[j].PluginID, templates[j].Name)
	})
	return templates
}

// UnregisterPlugin 移除指定插件的全部能力，并为每个工具与资源
// 发布对应的 unregister 事件。用于插件卸载。
func (r *Registry) UnregisterPlugin(pluginID string) {
	r.mu.Lock()
	removedTools := make([]Tool, 0)
	for key, t := range r.tools {
		if t.PluginID == pluginID {
			removedTools = append(removedTools, t)
			delete(r.tools, key)
		}
	}
	removedResources := make([]Resource, 0)
	for key, res := range r.resources {
		if res.PluginID == pluginID {
			removedResources = append(removedResources, res)
			delete(r.resources, key)
		}
	}
	for key, et := range r.entities {
		if et.PluginID == pluginID {
			delete(r.entities, key)
		}
	}
	for key, tpl := range r.templates {
		if tpl.PluginID == pluginID {
			delete(r.templates, key)
		}
	}
	r.mu.Unlock()

	sort.Slice(removedTools, func(i, j int) bool {
		return removedTools[i].QualifiedName() < removedTools[j].QualifiedName()
	})
	sort.Slice(removedResources, func(i, j int) bool {
		return removedResources[i].QualifiedName() < removedResources[j].QualifiedName()
	})
	for _, t := range removedTools {
		r.emit(TopicToolUnregister, pluginID, t)
	}
	for _, res := range removedResources {
		r.emit(TopicResourceUnregister, pluginID, res)
	}
}

// SubscribeWithReplay 先按发布顺序同步重放日志中匹配主题的全部历史
// 事件，再转为普通的实时订阅，返回解除订阅的函数。
// 整个重放过程持有日志锁，期间到达的新事件会在重放结束、订阅生效之后
// 正常投递，因此订阅者看到的序列无空洞也无重复。重放回调内不得再
// 调用本注册表的注册方法。
func (r *Registry) SubscribeWithReplay(topic string, handler bus.Handler) func() {
	if handler == nil {
		return func() {}
	}
	r.logMu.Lock()
	defer r.logMu.Unlock()
	for _, evt := range r.log {
		if evt.Topic != topic {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			_ = handler(bus.Event{Topic: evt.Topic, Payload: evt.Payload, Origin: evt.Origin})
		}()
	}
	return r.bus.Subscribe(topic, handler)
}

// EventLog 返回事件日志的快照，主要用于测试与诊断。
func (r *Registry) EventLog() []SystemEvent {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	snapshot := make([]SystemEvent, len(r.log))
	copy(snapshot, r.log)
	return snapshot
}

// emit 追加一条日志并发布到总线。追加与发布在同一临界区内完成，
// 保证日志顺序与订阅者看到的实时顺序一致。
func (r *Registry) emit(topic, origin string, payload any) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	r.seq++
	r.log = append(r.log, SystemEvent{Seq: r.seq, Topic: topic, Origin: origin, Payload: payload})
	if r.bus != nil {
		r.bus.PublishFrom(origin, topic, payload)
	}
}
