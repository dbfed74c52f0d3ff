package registry

import (
	"context"
	"fmt"
	"strings"
)

// Visibility 是能力的信任级别，决定哪些外部传输层可以看到它。
type Visibility int

const (
	VisibilityPublic  Visibility = 1
	VisibilityTrusted Visibility = 2
	VisibilityAnchor  Visibility = 3
)

// String 返回信任级别的字符串表示。
func (v Visibility) String() string {
	switch v {
	case VisibilityPublic:
		return "public"
	case VisibilityTrusted:
		return "trusted"
	case VisibilityAnchor:
		return "anchor"
	default:
		return "unknown"
	}
}

// Allows 判断持有该信任级别的传输层是否可以暴露给定级别的能力。
func (v Visibility) Allows(capability Visibility) bool {
	return v >= capability
}

// ParseVisibility 将配置中的字符串解析为信任级别，默认 public。
func ParseVisibility(raw string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "public":
		return VisibilityPublic, nil
	case "trusted":
		return VisibilityTrusted, nil
	case "anchor":
		return VisibilityAnchor, nil
	default:
		return VisibilityPublic, fmt.Errorf("未知的信任级别: %s", raw)
	}
}

// ToolHandler 在工具被调用时执行，进程内直接调用，不经过额外的总线跳转。
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool 描述插件注册的一个可调用能力。注册之后不可变，
// 以相同限定名再次注册会整体替换旧条目。
type Tool struct {
	PluginID    string         `json:"plugin_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Visibility  Visibility     `json:"visibility"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Handler     ToolHandler    `json:"-"`
}

// QualifiedName 返回全局唯一的限定名，用于调度。
func (t Tool) QualifiedName() string {
	return QualifiedName(t.PluginID, t.Name)
}

// ResourceReader 按需读取资源内容。
type ResourceReader func(ctx context.Context) (string, error)

// Resource 描述插件注册的一个可读能力。
type Resource struct {
	PluginID    string         `json:"plugin_id"`
	Name        string         `json:"name"`
	URI         string         `json:"uri"`
	Description string         `json:"description,omitempty"`
	MIMEType    string         `json:"mime_type,omitempty"`
	Visibility  Visibility     `json:"visibility"`
	Read        ResourceReader `json:"-"`
}

// QualifiedName 返回资源的全局限定名。
func (r Resource) QualifiedName() string {
	return QualifiedName(r.PluginID, r.Name)
}

// EntityType 描述插件贡献的实体类型定义。
type EntityType struct {
	PluginID    string         `json:"plugin_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// Template 描述插件贡献的内容生成模板。
type Template struct {
	PluginID    string `json:"plugin_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Body        string `json:"body"`
}

// QualifiedName 以 pluginID:name 形式拼接限定名。
func QualifiedName(pluginID, name string) string {
	return pluginID + ":" + name
}

// SplitQualifiedName 将限定名拆回插件 ID 与本地名。
func SplitQualifiedName(qualified string) (pluginID, name string, ok bool) {
	idx := strings.Index(qualified, ":")
	if idx <= 0 || idx == len(qualified)-1 {
		return "", "", false
	}
	return qualified[:idx], qualified[idx+1:], true
}
