// Package server exposes the relay over HTTP: the /ws WebSocket endpoint plus
// health, stats and Prometheus routes.
package server
