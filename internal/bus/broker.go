// Package bus acquires D-Bus connections asynchronously and watches bus
// names for owner changes.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

var (
	// ErrConnectionFailed wraps any failure to obtain a bus connection.
	ErrConnectionFailed = errors.New("bus connection failed")

	// ErrAlreadyStarted is reported when Connect is called twice on one Broker.
	ErrAlreadyStarted = errors.New("connect already started")
)

// Dialer opens a bus connection. It should give up when ctx is cancelled.
type Dialer func(ctx context.Context) (*dbus.Conn, error)

// request is the cancellation token for one Connect call. The completion
// path consults it before touching anything the owner may have released.
type request struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Broker performs a single asynchronous connect to a bus.
//
// With an empty address the shared session bus connection is used; it is
// never closed by the broker. Any other address gets a private connection
// that Release closes.
type Broker struct {
	address string
	shared  bool
	dial    Dialer
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	pending *request
}

// NewBroker creates a broker for the given bus address. An empty address
// means the session bus.
func NewBroker(address string) *Broker {
	b := &Broker{
		address: address,
		shared:  address == "",
		logger:  slog.Default().With("component", "bus"),
	}
	if address == "" {
		b.dial = dialSession
	} else {
		b.dial = func(ctx context.Context) (*dbus.Conn, error) {
			return dialAside(ctx, func() (*dbus.Conn, error) {
				return dbus.Connect(address)
			}, true)
		}
	}
	return b
}

// NewBrokerWithDialer creates a broker with a custom dialer. Release closes
// the connections it returns unless shared is set.
func NewBrokerWithDialer(dial Dialer, shared bool) *Broker {
	return &Broker{
		address: "custom",
		shared:  shared,
		dial:    dial,
		logger:  slog.Default().With("component", "bus"),
	}
}

func dialSession(ctx context.Context) (*dbus.Conn, error) {
	return dialAside(ctx, dbus.SessionBus, false)
}

// dialAside runs dial on its own goroutine so a cancelled request returns
// promptly. The connection's lifetime is never bound to ctx: godbus closes
// a connection when the context given to WithContext ends. A private
// connection that arrives after cancellation is closed.
func dialAside(ctx context.Context, dial func() (*dbus.Conn, error), private bool) (*dbus.Conn, error) {
	type result struct {
		conn *dbus.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dial()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		if private {
			go func() {
				if r := <-ch; r.conn != nil {
					r.conn.Close()
				}
			}()
		}
		return nil, ctx.Err()
	}
}

// Shared reports whether connections from this broker are the process-wide
// session bus connection.
func (b *Broker) Shared() bool {
	return b.shared
}

// Connect starts the connection attempt and returns immediately.
// onComplete is called exactly once from another goroutine, unless Cancel
// is called first, in which case it is never called.
func (b *Broker) Connect(onComplete func(*dbus.Conn, error)) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		onComplete(nil, ErrAlreadyStarted)
		return
	}
	b.started = true
	ctx, cancel := context.WithCancel(context.Background())
	req := &request{ctx: ctx, cancel: cancel}
	b.pending = req
	b.mu.Unlock()

	b.logger.Debug("connecting", "address", b.addressForLog())

	go func() {
		conn, err := b.dial(req.ctx)
		if !b.complete(req) {
			b.logger.Debug("connect cancelled, discarding result")
			if conn != nil {
				b.Release(conn)
			}
			return
		}
		if err != nil {
			onComplete(nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err))
			return
		}
		onComplete(conn, nil)
	}()
}

// complete consumes the token. It returns false if the request was
// cancelled. The token's context only bounds the dial, so it is released
// on both paths.
func (b *Broker) complete(req *request) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.ctx.Err() != nil || b.pending != req {
		req.cancel()
		return false
	}
	b.pending = nil
	req.cancel()
	return true
}

// Cancel abandons a pending connect. It is a no-op once the completion
// callback has been dispatched.
func (b *Broker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending != nil {
		b.pending.cancel()
		b.pending = nil
	}
}

// Pending reports whether a connect is in flight.
func (b *Broker) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil
}

// Release drops a connection obtained from this broker. Private
// connections are closed; the shared session bus is left alone.
func (b *Broker) Release(conn *dbus.Conn) {
	if conn == nil || b.Shared() {
		return
	}
	if err := conn.Close(); err != nil {
		b.logger.Debug("close connection", "error", err)
	}
}

func (b *Broker) addressForLog() string {
	if b.address == "" {
		return "session"
	}
	return b.address
}
