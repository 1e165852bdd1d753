// Package htsp is a client for the HTSP protocol. A single Conn carries
// every request; tasks register as listeners and pick out the responses
// addressed to them by sequence number or method.
package htsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/htsp-sync/internal/errors"
	"github.com/alexjbarnes/htsp-sync/internal/htsmsg"
	"github.com/alexjbarnes/htsp-sync/internal/logging"
)

// Listener receives every inbound message on a connection, in arrival
// order, on the connection's reader goroutine. Implementations must not
// block: hand long work to another goroutine.
type Listener interface {
	OnMessage(msg *htsmsg.Message)

	// OnError is called once when the connection fails or is closed.
	OnError(err error)
}

// ListenerFunc adapts a function to a Listener that ignores errors.
type ListenerFunc func(msg *htsmsg.Message)

func (f ListenerFunc) OnMessage(msg *htsmsg.Message) { f(msg) }
func (f ListenerFunc) OnError(error)                 {}

// methodListener forwards only messages whose method matches.
type methodListener struct {
	method string
	fn     func(*htsmsg.Message)
}

func (l methodListener) OnMessage(msg *htsmsg.Message) {
	if msg.Method() == l.method {
		l.fn(msg)
	}
}

func (l methodListener) OnError(error) {}

// ResponseFunc receives the outcome of a request. It fires exactly once,
// with either a response or an error.
type ResponseFunc func(resp *htsmsg.Message, err error)

// ProtocolError is a response that carried an error field. It only
// affects the request it answers.
type ProtocolError struct {
	Method  string
	Seq     uint32
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("htsp %s (seq %d): %s", e.Method, e.Seq, e.Message)
	}

	return fmt.Sprintf("htsp seq %d: %s", e.Seq, e.Message)
}

// responseError returns the error a response carries, if any.
func responseError(method string, seq uint32, resp *htsmsg.Message) error {
	if msg, ok := resp.Str("error"); ok {
		return &ProtocolError{Method: method, Seq: seq, Message: msg}
	}

	if resp.IntOr("noaccess", 0) != 0 {
		return fmt.Errorf("htsp %s (seq %d): %w", method, seq, apperrors.ErrNoAccess)
	}

	return nil
}

// Options tunes a connection.
type Options struct {
	Logger *slog.Logger

	// WriteTimeout bounds a single frame write when the underlying
	// connection supports deadlines. Zero means no deadline.
	WriteTimeout time.Duration

	// RequestTimeout fails a request with ErrTimeout when no response
	// arrives in time. Zero means requests wait until answered or until
	// the connection fails.
	RequestTimeout time.Duration
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

type listenerEntry struct {
	id int
	l  Listener
}

// Conn is one persistent HTSP connection. It owns the transport, assigns
// sequence numbers, and runs a reader goroutine that decodes frames and
// broadcasts them to listeners.
type Conn struct {
	rwc            io.ReadWriteCloser
	logger         *slog.Logger
	writeTimeout   time.Duration
	requestTimeout time.Duration

	seq atomic.Uint32

	// writeMu serializes frame writes so frames never interleave.
	writeMu sync.Mutex

	mu        sync.Mutex
	listeners []listenerEntry
	nextID    int
	err       error
	done      chan struct{}

	pending *pendingTable
}

// NewConn wraps an established transport and starts the reader.
func NewConn(rwc io.ReadWriteCloser, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Conn{
		rwc:            rwc,
		logger:         logger,
		writeTimeout:   opts.WriteTimeout,
		requestTimeout: opts.RequestTimeout,
		done:           make(chan struct{}),
		pending:        newPendingTable(),
	}

	go c.readLoop()

	return c
}

// NextSeq reserves the next sequence number. Numbers are strictly
// increasing for the lifetime of the connection, starting at 1. A number
// reserved here and sent later may reach the wire after a larger one;
// SendTracked and Request keep wire order.
func (c *Conn) NextSeq() uint32 {
	return c.seq.Add(1)
}

// AddListener registers l for every inbound message. If the connection
// has already failed, l.OnError runs before AddListener returns. The
// returned function unregisters l and is safe to call more than once.
func (c *Conn) AddListener(l Listener) (remove func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	failed := c.err
	c.listeners = append(c.listeners, listenerEntry{id: id, l: l})
	c.mu.Unlock()

	if failed != nil {
		l.OnError(failed)
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		for i, e := range c.listeners {
			if e.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnMethod registers fn for server messages with the given method.
func (c *Conn) OnMethod(method string, fn func(*htsmsg.Message)) (remove func()) {
	return c.AddListener(methodListener{method: method, fn: fn})
}

// Send assigns a sequence number if msg has none, then writes it. It
// does not wait for a response. A write failure fails the connection.
func (c *Conn) Send(msg *htsmsg.Message) (uint32, error) {
	seq, err := c.send(msg, nil)
	if err != nil {
		return 0, err
	}

	return seq, nil
}

// SendTracked gives msg the next sequence number, replacing any it
// carries, and writes it. track runs with that number before the frame
// is written, so the caller can register for the response first.
func (c *Conn) SendTracked(msg *htsmsg.Message, track func(seq uint32)) (uint32, error) {
	msg.Delete("seq")

	return c.send(msg, func(seq uint32) error {
		track(seq)
		return nil
	})
}

// send writes msg under writeMu. Sequence numbers are assigned inside
// the lock so they reach the wire in ascending order. A track error
// aborts the write. The returned seq is valid even on error once one
// was assigned.
func (c *Conn) send(msg *htsmsg.Message, track func(seq uint32) error) (uint32, error) {
	if err := c.Err(); err != nil {
		return 0, err
	}

	c.writeMu.Lock()

	seq, ok := msg.Seq()
	if !ok {
		seq = c.NextSeq()
		msg.Set("seq", seq)
	}

	if track != nil {
		if err := track(seq); err != nil {
			c.writeMu.Unlock()
			return seq, err
		}
	}

	frame, err := htsmsg.Encode(msg)
	if err != nil {
		c.writeMu.Unlock()
		return seq, fmt.Errorf("encoding %s: %w", msg.Method(), err)
	}

	if dw, ok := c.rwc.(deadlineWriter); ok && c.writeTimeout > 0 {
		_ = dw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	_, err = c.rwc.Write(frame)
	c.writeMu.Unlock()

	if err != nil {
		werr := fmt.Errorf("%w: writing %s: %w", apperrors.ErrTransport, msg.Method(), err)
		c.fail(werr)

		// Report the connection's terminal error; it may have failed
		// for another reason while this write was in flight.
		return seq, c.Err()
	}

	c.logger.Debug("sent", slog.String("method", msg.Method()), slog.Uint64("seq", uint64(seq)))

	return seq, nil
}

// Request sends msg and delivers its response to fn. fn runs exactly
// once: on the reader goroutine when the response arrives, or with an
// error when sending fails, the request times out, or the connection
// dies first. Returns the sequence number used.
func (c *Conn) Request(msg *htsmsg.Message, fn ResponseFunc) uint32 {
	method := msg.Method()
	msg.Delete("seq")

	var timer atomic.Pointer[time.Timer]

	if c.requestTimeout > 0 {
		inner := fn
		fn = func(resp *htsmsg.Message, err error) {
			if t := timer.Load(); t != nil {
				t.Stop()
			}

			inner(resp, err)
		}
	}

	registered := false

	seq, err := c.send(msg, func(seq uint32) error {
		if err := c.pending.add(seq, method, fn); err != nil {
			return err
		}

		registered = true

		if c.requestTimeout > 0 {
			timer.Store(c.armTimeout(seq, method))
		}

		return nil
	})
	if err == nil {
		return seq
	}

	if !registered {
		fn(nil, err)
	} else if call, ok := c.pending.take(seq); ok {
		call.fn(nil, err)
	}

	return seq
}

// armTimeout fails the pending request seq with ErrTimeout unless it is
// answered within the connection's request timeout.
func (c *Conn) armTimeout(seq uint32, method string) *time.Timer {
	return time.AfterFunc(c.requestTimeout, func() {
		if call, ok := c.pending.take(seq); ok {
			c.logger.Warn("request timed out",
				slog.String("method", method),
				slog.Uint64("seq", uint64(seq)),
			)
			call.fn(nil, fmt.Errorf("%w: %s (seq %d)", apperrors.ErrTimeout, method, seq))
		}
	})
}

// Call sends msg and waits for its response. When ctx ends first the
// request is abandoned and a late response is dropped.
func (c *Conn) Call(ctx context.Context, msg *htsmsg.Message) (*htsmsg.Message, error) {
	type result struct {
		resp *htsmsg.Message
		err  error
	}

	ch := make(chan result, 1)
	method := msg.Method()

	seq := c.Request(msg, func(resp *htsmsg.Message, err error) {
		ch <- result{resp: resp, err: err}
	})

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		if _, ok := c.pending.take(seq); !ok {
			// The callback already fired; prefer its outcome.
			r := <-ch
			return r.resp, r.err
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s (seq %d)", apperrors.ErrTimeout, method, seq)
		}

		return nil, ctx.Err()
	}
}

// Done is closed when the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil while it is
// live.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Close tears the connection down. Pending requests and listeners see
// ErrConnectionClosed.
func (c *Conn) Close() error {
	c.fail(apperrors.ErrConnectionClosed)
	return nil
}

// fail records err as terminal, closes the transport, and notifies
// pending requests and listeners. Only the first call has any effect.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}

	c.err = err
	close(c.done)
	listeners := append([]listenerEntry(nil), c.listeners...)
	c.mu.Unlock()

	if closeErr := c.rwc.Close(); closeErr != nil {
		c.logger.Debug("closing transport", slog.String("error", closeErr.Error()))
	}

	if errors.Is(err, apperrors.ErrConnectionClosed) {
		c.logger.Debug("connection closed")
	} else {
		c.logger.Warn("connection failed", slog.String("error", err.Error()))
	}

	c.pending.failAll(err)

	for _, e := range listeners {
		e.l.OnError(err)
	}
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.rwc)

	for {
		msg, err := htsmsg.ReadFrame(r)
		if err != nil {
			if errors.Is(err, htsmsg.ErrMalformed) || errors.Is(err, htsmsg.ErrFrameTooLarge) {
				c.logger.Warn("dropping bad frame", slog.String("error", err.Error()))
				continue
			}

			c.fail(fmt.Errorf("%w: reading frame: %w", apperrors.ErrTransport, err))

			return
		}

		c.dispatch(msg)
	}
}

// dispatch resolves a pending request first, then broadcasts msg to
// every listener registered at the time of arrival.
func (c *Conn) dispatch(msg *htsmsg.Message) {
	if seq, ok := msg.Seq(); ok {
		if call, ok := c.pending.take(seq); ok {
			call.fn(msg, responseError(call.method, seq, msg))
		}
	}

	c.mu.Lock()
	listeners := append([]listenerEntry(nil), c.listeners...)
	c.mu.Unlock()

	for _, e := range listeners {
		e.l.OnMessage(msg)
	}
}

type pendingCall struct {
	method string
	fn     ResponseFunc
}

// pendingTable maps sequence numbers to waiting requests. One mutex
// guards both the map and the closed flag so a request can never be
// registered after failAll has run.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[uint32]pendingCall
	closed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[uint32]pendingCall)}
}

func (p *pendingTable) add(seq uint32, method string, fn ResponseFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed != nil {
		return p.closed
	}

	p.calls[seq] = pendingCall{method: method, fn: fn}

	return nil
}

func (p *pendingTable) take(seq uint32) (pendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, ok := p.calls[seq]
	if ok {
		delete(p.calls, seq)
	}

	return call, ok
}

func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	p.closed = err
	calls := p.calls
	p.calls = make(map[uint32]pendingCall)
	p.mu.Unlock()

	for _, call := range calls {
		call.fn(nil, err)
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.calls)
}
