// Package app ties one tracker page to the backend.
//
// A Session loads the account settings, decides between plain links and the
// persistent connection, injects the links once the backend is reachable,
// keeps the status element of the page current and fills the statistics box
// on the user page.
package app
