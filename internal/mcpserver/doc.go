// Package mcpserver exposes the shell's capability registry over the
// Model Context Protocol. It mirrors tool and resource registrations by
// replaying the registry's event log and then following live bus
// events, filters entries by the transport's configured trust level and
// dispatches tool calls back through the bus.
package mcpserver
