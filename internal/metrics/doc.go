// Package metrics provides Prometheus metrics for monitoring a chat connection.
//
// Key metrics:
//   - Connection state, opens and closes by code
//   - Reconnect attempts, delays and stop reasons
//   - Message rates in both directions
//   - Errors by kind
//
// Collectors live on a private registry served by Handler.
package metrics
