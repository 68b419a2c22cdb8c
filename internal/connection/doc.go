// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Keeps at most one live WebSocket connection to the backend
//   - Sends the hello handshake on open and reports status to a Reporter
//   - Reconnects after a fixed delay, forever, while the manager runs
//   - Fences every event with an attempt id so late callbacks of a
//     superseded connection are discarded
//   - Forwards get/stats commands only while connected; nothing is queued
package connection
