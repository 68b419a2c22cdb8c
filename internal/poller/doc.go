// Package poller implements the Stats Poller component.
//
// The Stats Poller:
//   - Asks the backend for a statistics message over the live connection
//   - Skips a tick while the connection is down
//   - Optionally refreshes the statistics graphs over HTTP with bounded concurrency
package poller
