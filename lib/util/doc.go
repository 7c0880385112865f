// Package util provides the concurrency primitives shared by the server:
// an unbounded multi-producer single-consumer queue, a single-fire result
// slot for bridging engine callbacks into request handlers, and a
// single-consumer worker built on top of the queue.
package util
