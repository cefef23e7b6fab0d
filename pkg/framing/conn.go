package framing

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// ErrBroken is returned by every call on a Conn after an earlier failure.
var ErrBroken = errors.New("framing: connection broken")

// Conn carries frames over a net.Conn during steady-state dispatch. Unlike
// Send and Receive it honors context cancellation, by forcing an I/O
// deadline when the context ends. The wire format is the same.
//
// Once any call fails the Conn is broken for good: frames cannot be
// resynchronized mid-stream.
type Conn struct {
	conn   net.Conn
	limits Limits

	mu     sync.Mutex
	broken error
}

// NewConn wraps c.
func NewConn(c net.Conn, limits Limits) *Conn {
	return &Conn{conn: c, limits: limits}
}

// Send writes one frame, or fails when ctx ends first.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	err := c.withContext(ctx, c.conn.SetWriteDeadline, func() error {
		return Send(c.conn, payload)
	})
	return c.fail(err)
}

// Receive reads one frame, or fails when ctx ends first.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	var payload []byte
	err := c.withContext(ctx, c.conn.SetReadDeadline, func() error {
		var err error
		payload, err = Receive(c.conn, c.limits)
		return err
	})
	if err != nil {
		return nil, c.fail(err)
	}
	return payload, nil
}

// Close closes the underlying connection and breaks the Conn.
func (c *Conn) Close() error {
	c.fail(net.ErrClosed)
	return c.conn.Close()
}

// Broken reports whether the Conn can no longer be used.
func (c *Conn) Broken() bool {
	return c.check() != nil
}

func (c *Conn) withContext(ctx context.Context, setDeadline func(time.Time) error, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		setDeadline(deadline)
	} else {
		setDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() {
		// Unblocks the pending I/O immediately.
		setDeadline(time.Unix(1, 0))
	})
	err := op()
	stop()

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}

func (c *Conn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return ErrBroken
	}
	return nil
}

func (c *Conn) fail(err error) error {
	if err == nil {
		return nil
	}
	c.mu.Lock()
	if c.broken == nil {
		c.broken = err
	}
	c.mu.Unlock()
	return err
}
