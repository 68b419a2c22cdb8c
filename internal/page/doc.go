// Package page reads and augments tracker HTML pages.
//
// It finds torrent download links, inserts "send to backend" links next to
// them, detects freeleech tokens and adds the statistics box to the user
// page. Pages are handled as golang.org/x/net/html trees.
package page
