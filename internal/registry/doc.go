// Package registry keeps the in-memory record of every capability plugins
// contribute to the shell: tools, resources, entity types and templates.
// Every mutation is appended to an ordered event log so transports that
// attach late can replay the full registration history in emission order.
package registry
