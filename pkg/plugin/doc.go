// Package plugin defines the contract between the shell and its
// extensions. A plugin receives a host Context during registration and
// uses it to contribute tools, resources, entity types, templates, job
// handlers and daemons. The Manager owns the plugin lifecycle and keeps
// one plugin's failure from taking down the rest of the host.
package plugin
