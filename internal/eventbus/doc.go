// Package eventbus implements the in-process publish/subscribe bus shared by
// the runtime, its plugins and the task queue.
//
// Publish is synchronous: handlers run on the publisher's goroutine, in
// subscription order, over a snapshot of the subscriber list taken when the
// call starts. Handler errors and panics are captured per handler and never
// abort delivery to the remaining subscribers.
//
// Handlers may publish again. The nesting depth travels in the context handed
// to the handler and is bounded by WithMaxDepth.
package eventbus
