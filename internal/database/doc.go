// Package database provides the PostgreSQL connection pool used by the
// shared settings backend.
//
// A single-user setup keeps settings in a local BuntDB file; several seedbox
// users sharing one backend host can point vmlink at PostgreSQL instead.
package database
