// Package api implements the HTTP REST API and WebSocket server for
// GridLink Core.
//
// This package provides:
//   - REST endpoints for fleet inspection (devices, metrics, events)
//   - Command dispatch with asynchronous handle polling
//   - The event sink's pull surface (GET /events, cursor-based)
//   - WebSocket hub for live event broadcasts
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// The API server reads from the registration registry and the sink feed,
// and writes through the command dispatcher only. It never touches the
// transport directly: commands flow API -> dispatcher -> MQTT, responses
// flow back through the transport server, and every accepted frame is
// observable on the event feed.
//
// Authentication and authorization are deliberately out of scope; deploy
// behind a gateway that terminates auth.
package api
