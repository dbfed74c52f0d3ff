// Package job implements the shell's asynchronous work core: a typed
// handler registry, a bounded worker pool fed by a pluggable queue
// transport (memory, Redis or RabbitMQ), per-job status tracking with
// retry and cooperative cancellation, and batch aggregation. Every status
// transition is announced on the message bus so progress consumers never
// need to poll.
package job
