// Package api exposes the task service over HTTP: task submission and queries,
// the agent directory, a WebSocket event stream, health and Prometheus metrics.
package api
