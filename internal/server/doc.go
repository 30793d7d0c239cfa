// Package server implements the HTTP server using the Echo framework.
//
// Routes: health snapshot (/, /health), probes (/health/live, /health/ready),
// build info (/version), Prometheus (/metrics), the embedded WebSocket
// endpoint (/ws) and peer discovery (/instances).
package server
