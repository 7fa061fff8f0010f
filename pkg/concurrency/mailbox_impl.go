package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
)

// boundedMailbox implements Mailbox using channels internally
// Hides chan type and select statements from public API
type boundedMailbox struct {
	ch          chan interface{} // Hidden: internal channel
	closeSignal chan struct{}    // closed by Close to wake blocked SendWait/Receive callers
	mu          sync.RWMutex
	closed      int32 // Atomic flag
	capacity    int
}

// NewBoundedMailbox creates a new bounded mailbox
// Hides channel creation from callers
func NewBoundedMailbox(capacity int) Mailbox {
	if capacity < 1 {
		capacity = 100 // Default capacity
	}

	return &boundedMailbox{
		ch:          make(chan interface{}, capacity), // Hidden: channel creation
		closeSignal: make(chan struct{}),
		capacity:    capacity,
	}
}

// Send implements Mailbox interface
// Hides channel send and select statements
func (mb *boundedMailbox) Send(msg interface{}) error {
	if atomic.LoadInt32(&mb.closed) == 1 {
		return ErrMailboxClosed
	}

	// Try to send (non-blocking for backpressure)
	select {
	case mb.ch <- msg: // Hidden: channel send
		return nil
	default:
		// Mailbox full - backpressure
		return ErrMailboxFull
	}
}

// SendWait implements Mailbox interface
// Blocks until the send succeeds, ctx is cancelled, or the mailbox
// closes. The data channel itself is never closed (only closeSignal
// is), so this never races a blocked send against a closed channel.
func (mb *boundedMailbox) SendWait(ctx context.Context, msg interface{}) error {
	if atomic.LoadInt32(&mb.closed) == 1 {
		return ErrMailboxClosed
	}

	select {
	case mb.ch <- msg:
		return nil
	case <-mb.closeSignal:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Mailbox interface
// Hides channel receive and select statements
func (mb *boundedMailbox) Receive(ctx context.Context) (interface{}, error) {
	if atomic.LoadInt32(&mb.closed) == 1 {
		return nil, ErrMailboxClosed
	}

	// Receive with context cancellation
	select {
	case msg := <-mb.ch: // Hidden: channel receive
		return msg, nil
	case <-mb.closeSignal:
		return nil, ErrMailboxClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReceive implements Mailbox interface
// Hides channel receive and select statements
func (mb *boundedMailbox) TryReceive() (interface{}, bool, error) {
	if atomic.LoadInt32(&mb.closed) == 1 {
		return nil, false, ErrMailboxClosed
	}

	// Try to receive (non-blocking)
	select {
	case msg := <-mb.ch: // Hidden: channel receive
		return msg, true, nil
	default:
		// Mailbox empty
		return nil, false, nil
	}
}

// Close implements Mailbox interface
// Wakes any blocked SendWait/Receive callers via closeSignal rather
// than closing the data channel, so a racing Send/SendWait can never
// panic on a send to a closed channel.
func (mb *boundedMailbox) Close() {
	if atomic.CompareAndSwapInt32(&mb.closed, 0, 1) {
		close(mb.closeSignal)
	}
}

// Capacity implements Mailbox interface
func (mb *boundedMailbox) Capacity() int {
	return mb.capacity
}

// Size implements Mailbox interface
func (mb *boundedMailbox) Size() int {
	return len(mb.ch) // Hidden: channel length
}

// IsClosed implements Mailbox interface
func (mb *boundedMailbox) IsClosed() bool {
	return atomic.LoadInt32(&mb.closed) == 1
}
