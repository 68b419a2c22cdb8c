// Package settings persists the backend connection settings of one tracker account.
//
// Every value lives under a key of the form <hostname>_<userid>_<field>, so a
// single store can hold settings for several trackers and accounts. Reads of
// absent keys return the zero value ("" or false). Writes are verified by an
// immediate read-back.
package settings
