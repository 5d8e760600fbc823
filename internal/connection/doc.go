// Package connection implements the chat room Connection Manager.
//
// The Connection Manager:
//   - Owns a single WebSocket to one chat room
//   - Sends the auth frame on every successful open
//   - Decodes inbound frames and hands them to the caller
//   - Reconnects after abnormal closures with capped exponential backoff and jitter
//   - Never reconnects after Disconnect or a normal (1000) closure
//
// All callbacks for one Manager run on its event loop goroutine, in order.
package connection
