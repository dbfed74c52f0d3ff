package plugin

import (
	"PluginShell/internal/daemon"
	"PluginShell/internal/job"
	"PluginShell/internal/registry"
)

// Plugin is implemented by every shell extension. Register is called
// exactly once during host startup; everything the plugin contributes
// goes through the supplied Context.
type Plugin interface {
	// ID returns the stable, unique identifier of the plugin. It prefixes
	// every capability the plugin registers.
	ID() string
	// Register contributes the plugin's capabilities to the host. An error
	// marks the plugin as failed without affecting other plugins.
	Register(ctx *Context) error
}

// Shorthand aliases so plugin authors only import this package.
type (
	Tool           = registry.Tool
	Resource       = registry.Resource
	EntityType     = registry.EntityType
	Template       = registry.Template
	Visibility     = registry.Visibility
	ToolHandler    = registry.ToolHandler
	ResourceReader = registry.ResourceReader
	JobHandler     = job.HandlerFunc
	DaemonHooks    = daemon.Hooks
)

// Visibility levels re-exported for plugin authors.
const (
	VisibilityPublic  = registry.VisibilityPublic
	VisibilityTrusted = registry.VisibilityTrusted
	VisibilityAnchor  = registry.VisibilityAnchor
)

// State describes where a plugin is in its lifecycle.
type State string

const (
	StateRegistered   State = "registered"
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// Info is a snapshot of a managed plugin.
type Info struct {
	ID        string `json:"id"`
	State     State  `json:"state"`
	LastError string `json:"last_error,omitempty"`
	Source    string `json:"source,omitempty"`
	Tools     int    `json:"tools"`
	Resources int    `json:"resources"`
}
