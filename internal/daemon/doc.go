// Package daemon supervises long-running background services contributed
// by plugins: registration, concurrent startup with per-daemon error
// containment, health probing with timeouts, restart and tolerant
// shutdown. Lifecycle transitions are announced on the message bus.
package daemon
