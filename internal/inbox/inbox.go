// Package inbox correlates request/response commands on a single device
// session and routes unsolicited pushes.
//
// Writes are serialized: a caller registers its waiter and performs its write
// while holding the write slot, so waiters are queued in write order and a
// response is handed to the oldest waiter expecting that opcode.
package inbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"xcom-meshd/internal/linkerr"
)

// PushThreshold is the first unsolicited opcode. Anything at or above it is
// never correlated with a request.
const PushThreshold = 0x80

// Command is one opcode-tagged frame payload.
type Command struct {
	Opcode  byte
	Payload []byte
}

// Bytes returns the frame payload for c.
func (c Command) Bytes() []byte {
	b := make([]byte, 0, 1+len(c.Payload))
	b = append(b, c.Opcode)
	return append(b, c.Payload...)
}

// IsPush reports whether c is an unsolicited push.
func (c Command) IsPush() bool { return c.Opcode >= PushThreshold }

// ParseCommand splits a validated frame into opcode and payload.
func ParseCommand(frame []byte) (Command, bool) {
	if len(frame) == 0 {
		return Command{}, false
	}
	return Command{Opcode: frame[0], Payload: frame[1:]}, true
}

// WriteFunc sends one command frame to the device.
type WriteFunc func(ctx context.Context, frame []byte) error

type result struct {
	cmd Command
	err error
}

type waiter struct {
	expected []byte
	ch       chan result
}

// Inbox is safe for concurrent use.
type Inbox struct {
	write  WriteFunc
	onPush func(Command)

	slot chan struct{}

	mu      sync.Mutex
	waiters []*waiter
	closed  error
}

// New returns an open inbox. onPush may be nil.
func New(write WriteFunc, onPush func(Command)) *Inbox {
	return &Inbox{
		write:  write,
		onPush: onPush,
		slot:   make(chan struct{}, 1),
	}
}

// SendAndAwait writes cmd and waits up to timeout for the next response whose
// opcode is in expected. With no expected opcodes it returns once the write
// completes. A timeout only withdraws this caller's waiter.
func (in *Inbox) SendAndAwait(ctx context.Context, cmd Command, expected []byte, timeout time.Duration) (Command, error) {
	select {
	case in.slot <- struct{}{}:
	case <-ctx.Done():
		return Command{}, ctx.Err()
	}

	in.mu.Lock()
	if in.closed != nil {
		err := in.closed
		in.mu.Unlock()
		<-in.slot
		return Command{}, err
	}
	var w *waiter
	if len(expected) > 0 {
		w = &waiter{expected: expected, ch: make(chan result, 1)}
		in.waiters = append(in.waiters, w)
	}
	in.mu.Unlock()

	err := in.write(ctx, cmd.Bytes())
	<-in.slot
	if err != nil {
		in.remove(w)
		return Command{}, fmt.Errorf("write 0x%02x: %w", cmd.Opcode, err)
	}
	if w == nil {
		return Command{}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-w.ch:
		return r.cmd, r.err
	case <-timer.C:
	case <-ctx.Done():
		if in.remove(w) {
			return Command{}, ctx.Err()
		}
		r := <-w.ch
		return r.cmd, r.err
	}
	if !in.remove(w) {
		// Delivered between the timer firing and the removal.
		r := <-w.ch
		return r.cmd, r.err
	}
	return Command{}, linkerr.Timeout(fmt.Sprintf("response to 0x%02x", cmd.Opcode))
}

// remove withdraws w and reports whether it was still pending.
func (in *Inbox) remove(w *waiter) bool {
	if w == nil {
		return false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	i := slices.Index(in.waiters, w)
	if i < 0 {
		return false
	}
	in.waiters = slices.Delete(in.waiters, i, i+1)
	return true
}

// Deliver routes one inbound command. Pushes go to the push handler; responses
// go to the oldest waiter expecting that opcode. It returns false when a
// response had no waiter.
func (in *Inbox) Deliver(cmd Command) bool {
	if cmd.IsPush() {
		if in.onPush != nil {
			in.onPush(cmd)
		}
		return true
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	for i, w := range in.waiters {
		if slices.Contains(w.expected, cmd.Opcode) {
			in.waiters = slices.Delete(in.waiters, i, i+1)
			w.ch <- result{cmd: cmd}
			return true
		}
	}
	return false
}

// Pending returns the number of callers waiting for a response.
func (in *Inbox) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.waiters)
}

// Close rejects every waiter with NotConnected, as does any later call until
// Reopen.
func (in *Inbox) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = linkerr.NotConnected("command")
	for _, w := range in.waiters {
		w.ch <- result{err: in.closed}
	}
	in.waiters = nil
}

// Reopen accepts commands again after Close.
func (in *Inbox) Reopen() {
	in.mu.Lock()
	in.closed = nil
	in.mu.Unlock()
}
