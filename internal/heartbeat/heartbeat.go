// Package heartbeat runs the idle timer shared by both connection state
// machines: it sends a Heartbeat command on the control stream once a
// period passes with no other command sent, purely to keep NATs and idle
// timeout QUIC paths open. The command carries no payload and is never
// acknowledged (spec.md §4.8).
package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

// Sender sends one Heartbeat command on a connection's control stream.
type Sender interface {
	Heartbeat() error
}

// Activity lets a connection's outbound command paths reset the idle timer
// without coupling them to the heartbeat goroutine's internals. Notify is
// safe to call from any goroutine and never blocks.
type Activity struct {
	ping chan struct{}
}

// NewActivity returns a ready-to-use Activity notifier.
func NewActivity() *Activity {
	return &Activity{ping: make(chan struct{}, 1)}
}

// Notify records outbound command activity, resetting the idle timer the
// next time Run observes it. A pending, unconsumed notification is enough;
// Notify never blocks.
func (a *Activity) Notify() {
	if a == nil {
		return
	}
	select {
	case a.ping <- struct{}{}:
	default:
	}
}

// Run sends a heartbeat through sender after interval passes with no
// activity reported through act, and keeps doing so until ctx is cancelled
// or a send fails. It blocks; call it in its own goroutine. act may be nil,
// in which case Run falls back to sending unconditionally every interval.
func Run(ctx context.Context, interval time.Duration, act *Activity, sender Sender, log *slog.Logger) {
	if interval <= 0 {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	if act == nil {
		act = NewActivity()
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-act.ping:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(interval)
		case <-timer.C:
			if err := sender.Heartbeat(); err != nil {
				log.Debug("heartbeat send failed", "err", err)
				return
			}
			timer.Reset(interval)
		}
	}
}
