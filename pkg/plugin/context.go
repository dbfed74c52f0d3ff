package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"PluginShell/internal/bus"
	"PluginShell/internal/daemon"
	xerrors "PluginShell/internal/errors"
	"PluginShell/internal/job"
	"PluginShell/internal/registry"
	"PluginShell/pkg/logger"
)

// Context is the host-side handle a plugin receives during Register.
// Every capability it contributes is stamped with the plugin's ID, and
// visibility requests above the configured ceiling are clamped down.
type Context struct {
	pluginID      string
	maxVisibility Visibility
	config        map[string]any

	registry   *registry.Registry
	jobs       *job.Service
	supervisor *daemon.Supervisor
	bus        *bus.Bus
	log        *slog.Logger

	// unsubs collects every bus subscription so Unload can detach them.
	unsubs []func()
	// daemonIDs tracks daemons registered by the plugin for shutdown.
	daemonIDs []string
}

// PluginID returns the owning plugin's identifier.
func (c *Context) PluginID() string { return c.pluginID }

// Config returns the plugin's configuration block from the host config
// file. The map is shared, plugins must treat it as read-only.
func (c *Context) Config() map[string]any { return c.config }

// Logger returns a logger named after the plugin.
func (c *Context) Logger() *slog.Logger { return c.log }

// RegisterTool contributes a callable tool. The tool's PluginID is
// forced to the owning plugin and its visibility is clamped to the
// plugin's configured ceiling.
func (c *Context) RegisterTool(t Tool) error {
	t.PluginID = c.pluginID
	t.Visibility = c.clamp(t.Visibility)
	return c.registry.RegisterTool(t)
}

// RegisterResource contributes a readable resource, with the same
// ownership and visibility rules as RegisterTool.
func (c *Context) RegisterResource(res Resource) error {
	res.PluginID = c.pluginID
	res.Visibility = c.clamp(res.Visibility)
	return c.registry.RegisterResource(res)
}

// RegisterEntityType contributes an entity type definition.
func (c *Context) RegisterEntityType(et EntityType) error {
	et.PluginID = c.pluginID
	return c.registry.RegisterEntityType(et)
}

// RegisterTemplate contributes a content template.
func (c *Context) RegisterTemplate(tpl Template) error {
	tpl.PluginID = c.pluginID
	return c.registry.RegisterTemplate(tpl)
}

// RegisterJobHandler registers a handler for the given job type. Job
// types are namespaced by convention, usually "<plugin-id>.<name>".
func (c *Context) RegisterJobHandler(jobType string, handler JobHandler) error {
	return c.jobs.RegisterHandler(jobType, handler)
}

// RegisterDaemon registers a long-running background service owned by
// the plugin. Daemons are started together once all plugins finished
// registering.
func (c *Context) RegisterDaemon(daemonID string, hooks DaemonHooks) error {
	if c.supervisor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("no daemon supervisor available for plugin %s", c.pluginID))
	}
	if err := c.supervisor.Register(daemonID, c.pluginID, hooks); err != nil {
		return err
	}
	c.daemonIDs = append(c.daemonIDs, daemonID)
	return nil
}

// EnqueueJob submits a job on behalf of the plugin.
func (c *Context) EnqueueJob(ctx context.Context, jobType string, payload map[string]any) (*job.Job, error) {
	return c.jobs.Enqueue(ctx, job.EnqueueRequest{
		Type:    jobType,
		Payload: payload,
		Owner:   c.pluginID,
	})
}

// EnqueueBatch submits a group of jobs atomically on behalf of the plugin.
func (c *Context) EnqueueBatch(ctx context.Context, reqs []job.EnqueueRequest) (*job.Batch, error) {
	for i := range reqs {
		reqs[i].Owner = c.pluginID
	}
	return c.jobs.EnqueueBatch(ctx, reqs)
}

// WaitForJob blocks until the job reaches a terminal state or the
// timeout elapses.
func (c *Context) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) (*job.Job, error) {
	return c.jobs.WaitFor(ctx, jobID, timeout, 0)
}

// Publish emits an event on the message bus with the plugin as origin.
func (c *Context) Publish(topic string, payload any) {
	c.bus.PublishFrom(c.pluginID, topic, payload)
}

// Subscribe registers a bus subscription that is automatically removed
// when the plugin is unloaded.
func (c *Context) Subscribe(topic string, handler bus.Handler) func() {
	unsub := c.bus.Subscribe(topic, handler)
	c.unsubs = append(c.unsubs, unsub)
	return unsub
}

// SubscribeWithReplay is like Subscribe but first replays the registry's
// historical system events for the topic, so late subscribers observe
// every registration that happened before them.
func (c *Context) SubscribeWithReplay(topic string, handler bus.Handler) func() {
	unsub := c.registry.SubscribeWithReplay(topic, handler)
	c.unsubs = append(c.unsubs, unsub)
	return unsub
}

// clamp lowers a requested visibility to the plugin's ceiling. A zero
// request defaults to public.
func (c *Context) clamp(requested Visibility) Visibility {
	if requested < VisibilityPublic {
		return VisibilityPublic
	}
	if c.maxVisibility != 0 && requested > c.maxVisibility {
		logger.L().Warn("plugin visibility request clamped",
			slog.String("plugin_id", c.pluginID),
			slog.String("requested", requested.String()),
			slog.String("ceiling", c.maxVisibility.String()),
		)
		return c.maxVisibility
	}
	return requested
}

func (c *Context) detach() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}
