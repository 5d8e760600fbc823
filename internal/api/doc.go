// Package api provides the chat server REST client.
//
// Endpoints:
//   - POST {base}/token/          username + password -> access and refresh tokens
//   - POST {base}/token/refresh/  refresh token -> new access token
//
// The access token is what the WebSocket auth frame carries.
package api
