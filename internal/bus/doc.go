// Package bus implements the in-process message bus shared by the shell
// core and all plugins. It offers fire-and-forget publish/subscribe for
// system notifications and a single-responder request/response channel for
// direct calls such as tool dispatch.
package bus
