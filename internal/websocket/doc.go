// Package websocket accepts WebSocket connections and hands each one to a
// session.
//
// One Gateway serves every listener of the process: the standalone port and
// the /ws route on the HTTP server share its registry, limits and shutdown.
package websocket
