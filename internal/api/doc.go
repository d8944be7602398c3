// Package api is the thin HTTP adapter in front of the runtime. It maps task,
// plugin and event operations onto JSON endpoints and exposes health and
// metrics endpoints; it holds no state of its own.
package api
