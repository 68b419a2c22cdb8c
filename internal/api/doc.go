// Package api talks to the backend's plain HTTP endpoints.
//
// Endpoints:
//   - GET /get/{id}?token=..&site=..[&fltoken=true]   one-shot torrent fetch
//   - GET /getStats/{file}?token=..&site=..           statistics graph image
//   - /ws                                             persistent socket (see package connection)
//
// The builders in endpoints.go produce the exact links injected into tracker pages.
package api
