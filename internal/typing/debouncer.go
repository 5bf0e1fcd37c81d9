// Package typing turns keystrokes into start/stop typing signals and keeps
// track of who is typing where.
package typing

import (
	"context"
	"sync"
	"time"
)

// DefaultQuiet is how long after the last keystroke a stop is sent.
const DefaultQuiet = 1200 * time.Millisecond

// EmitFunc sends one typing signal. Errors are reported to OnError and
// otherwise ignored; typing is best effort.
type EmitFunc func(ctx context.Context, conversationID string, isTyping bool) error

// Debouncer owns the quiet timer of one conversation. The first keystroke
// emits a start, later keystrokes only push the deadline out, and the
// timer firing emits the matching stop.
type Debouncer struct {
	conversationID string
	emit           EmitFunc
	quiet          time.Duration
	onError        func(error)

	mu     sync.Mutex
	timer  *time.Timer
	armed  bool
	serial uint64 // invalidates a timer that fired while being replaced
}

func NewDebouncer(conversationID string, emit EmitFunc, quiet time.Duration, onError func(error)) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Debouncer{conversationID: conversationID, emit: emit, quiet: quiet, onError: onError}
}

// Keystroke records local input.
func (d *Debouncer) Keystroke(ctx context.Context) {
	d.mu.Lock()
	start := !d.armed
	d.armed = true
	d.serial++
	serial := d.serial
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, func() { d.expire(serial) })
	d.mu.Unlock()

	if start {
		d.send(ctx, true)
	}
}

// Stop cancels the timer and emits a stop if a start is outstanding. It is
// called on send and when the conversation is closed.
func (d *Debouncer) Stop(ctx context.Context) {
	d.mu.Lock()
	wasArmed := d.armed
	d.armed = false
	d.serial++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if wasArmed {
		d.send(ctx, false)
	}
}

// Active reports whether a start is outstanding.
func (d *Debouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

func (d *Debouncer) expire(serial uint64) {
	d.mu.Lock()
	if serial != d.serial || !d.armed {
		d.mu.Unlock()
		return
	}
	d.armed = false
	d.timer = nil
	d.mu.Unlock()

	d.send(context.Background(), false)
}

func (d *Debouncer) send(ctx context.Context, isTyping bool) {
	if err := d.emit(ctx, d.conversationID, isTyping); err != nil {
		d.onError(err)
	}
}
