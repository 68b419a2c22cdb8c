// Package status holds the one-line backend status shown to the user.
//
// A Board has a steady text (e.g. "VM is up.") and may show a transient
// flash on top of it that reverts after a delay. Subscribers receive every
// change.
package status

import (
	"sync"
	"time"
)

// Status texts.
const (
	Pinging      = "Pinging VM..."
	Up           = "VM is up."
	Offline      = "VM is offline (click to check again)."
	CannotGet    = "VM is offline, cannot get torrent (click to check again)."
	SentPrefix   = "VM: sent torrent with ID #"
	NoticePrefix = "VM: "
)

// Board is safe for concurrent use.
type Board struct {
	mu      sync.Mutex
	steady  string
	current string
	flashID uint64
	timer   *time.Timer
	subs    []chan string
	closed  bool
}

// NewBoard creates a Board with an empty status.
func NewBoard() *Board {
	return &Board{}
}

// Set replaces the steady text and cancels any pending flash.
func (b *Board) Set(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopFlash()
	b.steady = text
	b.show(text)
}

// Flash shows text for d, then reverts to the steady text. A later Set or
// Flash supersedes it. d <= 0 keeps the text until the next change.
func (b *Board) Flash(text string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopFlash()
	b.show(text)
	if d <= 0 {
		return
	}

	b.flashID++
	id := b.flashID
	b.timer = time.AfterFunc(d, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.flashID != id || b.closed {
			return
		}
		b.timer = nil
		b.show(b.steady)
	})
}

// Text returns the text currently shown.
func (b *Board) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Subscribe returns a channel receiving every shown text. Slow subscribers
// miss updates rather than block the board.
func (b *Board) Subscribe() <-chan string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, 16)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Close stops pending flashes and closes all subscriber channels.
func (b *Board) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.stopFlash()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// stopFlash must be called with mu held.
func (b *Board) stopFlash() {
	b.flashID++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// show must be called with mu held.
func (b *Board) show(text string) {
	if b.closed {
		return
	}
	b.current = text
	for _, ch := range b.subs {
		select {
		case ch <- text:
		default:
		}
	}
}
