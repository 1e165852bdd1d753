package htsp

import (
	"context"
	"crypto/sha1" //nolint:gosec // the protocol defines the digest as SHA-1
	"errors"
	"fmt"
	"log/slog"
	"sync"

	apperrors "github.com/alexjbarnes/htsp-sync/internal/errors"
	"github.com/alexjbarnes/htsp-sync/internal/htsmsg"
	"github.com/alexjbarnes/htsp-sync/internal/logging"
)

// ProtocolVersion is the HTSP version announced in hello.
const ProtocolVersion = 34

// SessionState is the position of a Handshake in its state machine.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnected
	StateHelloSent
	StateAuthSent
	StateAuthenticated
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateHelloSent:
		return "hello_sent"
	case StateAuthSent:
		return "auth_sent"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}

	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Credentials identify the user. The password never goes on the wire.
type Credentials struct {
	Username string
	Password string
}

// ClientInfo is what the client reports about itself in hello.
type ClientInfo struct {
	Name    string
	Version string
}

// ServerInfo is what the server reported in its hello response.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion int64
	Capabilities    []string
	WebRoot         string
}

// Digest computes the authentication digest SHA-1(password || challenge)
// over the UTF-8 bytes of the password.
func Digest(password string, challenge []byte) []byte {
	h := sha1.New() //nolint:gosec // see import
	h.Write([]byte(password))
	h.Write(challenge)

	return h.Sum(nil)
}

// Handshake runs the hello/authenticate exchange on one connection. It
// is single-shot: once started it ends Authenticated or Failed, and a
// retry needs a new connection.
type Handshake struct {
	conn   *Conn
	creds  Credentials
	client ClientInfo
	logger *slog.Logger

	mu       sync.Mutex
	state    SessionState
	helloSeq uint32
	authSeq  uint32
	server   ServerInfo
	done     func(error)
	remove   func()
}

// NewHandshake prepares a handshake for conn.
func NewHandshake(conn *Conn, creds Credentials, client ClientInfo, logger *slog.Logger) *Handshake {
	if logger == nil {
		logger = logging.Discard()
	}

	state := StateConnected
	if conn.Err() != nil {
		state = StateDisconnected
	}

	return &Handshake{
		conn:   conn,
		creds:  creds,
		client: client,
		logger: logger,
		state:  state,
	}
}

// State returns the current session state.
func (h *Handshake) State() SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// Server returns what the server reported in hello. Empty until the
// hello response has arrived.
func (h *Handshake) Server() ServerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.server
}

// Start sends hello and returns without waiting. done runs exactly once
// with nil on success or the reason for failure. Start fails if the
// handshake was already started.
func (h *Handshake) Start(done func(error)) error {
	h.mu.Lock()

	switch h.state {
	case StateConnected:
	case StateDisconnected:
		h.mu.Unlock()
		return apperrors.ErrConnectionClosed
	default:
		h.mu.Unlock()
		return apperrors.ErrHandshakeUsed
	}

	h.done = done
	h.state = StateHelloSent
	h.mu.Unlock()

	// Registered after the state change so a connection that already
	// failed reports through finish rather than being missed.
	remove := h.conn.AddListener(h)

	h.mu.Lock()
	h.remove = remove
	terminal := h.state == StateFailed
	h.mu.Unlock()

	if terminal {
		remove()
		return nil
	}

	hello := htsmsg.New("hello").
		Set("htspversion", ProtocolVersion).
		Set("clientname", h.client.Name).
		Set("clientversion", h.client.Version)
	if h.creds.Username != "" {
		hello.Set("username", h.creds.Username)
	}

	h.logger.Debug("sending hello", slog.String("username", h.creds.Username))

	if _, err := h.conn.SendTracked(hello, h.trackSeq(&h.helloSeq)); err != nil {
		h.finish(fmt.Errorf("sending hello: %w", err))
	}

	return nil
}

// Authenticate runs the handshake and waits for the outcome. If ctx
// ends first the handshake is marked failed.
func (h *Handshake) Authenticate(ctx context.Context) error {
	ch := make(chan error, 1)
	if err := h.Start(func(err error) { ch <- err }); err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: authentication", apperrors.ErrTimeout)
		}

		h.finish(err)

		return <-ch
	}
}

// OnMessage implements Listener.
func (h *Handshake) OnMessage(msg *htsmsg.Message) {
	seq, ok := msg.Seq()
	if !ok {
		return
	}

	h.mu.Lock()

	switch {
	case h.state == StateHelloSent && h.helloSeq != 0 && seq == h.helloSeq:
		h.mu.Unlock()
		h.onHelloResponse(msg)
	case h.state == StateAuthSent && h.authSeq != 0 && seq == h.authSeq:
		h.mu.Unlock()
		h.onAuthResponse(msg)
	default:
		h.mu.Unlock()
	}
}

// OnError implements Listener.
func (h *Handshake) OnError(err error) {
	h.finish(fmt.Errorf("connection lost during handshake: %w", err))
}

func (h *Handshake) onHelloResponse(msg *htsmsg.Message) {
	if err := responseError("hello", h.helloSeq, msg); err != nil {
		if errors.Is(err, apperrors.ErrNoAccess) {
			err = fmt.Errorf("%w: %w", apperrors.ErrAuthFailed, err)
		}

		h.finish(err)

		return
	}

	challenge, ok := msg.Bin("challenge")
	if !ok {
		h.finish(fmt.Errorf("%w: hello response carried no challenge", apperrors.ErrAuthFailed))
		return
	}

	info := ServerInfo{
		ProtocolVersion: msg.IntOr("htspversion", 0),
		WebRoot:         strField(msg, "webroot"),
		Name:            strField(msg, "servername"),
		Version:         strField(msg, "serverversion"),
	}

	if caps, ok := msg.List("servercapability"); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				info.Capabilities = append(info.Capabilities, s)
			}
		}
	}

	h.mu.Lock()
	if h.state != StateHelloSent {
		h.mu.Unlock()
		return
	}

	h.server = info
	h.state = StateAuthSent
	h.mu.Unlock()

	h.logger.Debug("hello accepted",
		slog.String("server", info.Name),
		slog.String("server_version", info.Version),
		slog.Int64("htsp_version", info.ProtocolVersion),
	)

	auth := htsmsg.New("authenticate").
		Set("username", h.creds.Username).
		Set("digest", Digest(h.creds.Password, challenge))

	if _, err := h.conn.SendTracked(auth, h.trackSeq(&h.authSeq)); err != nil {
		h.finish(fmt.Errorf("sending authenticate: %w", err))
	}
}

func (h *Handshake) onAuthResponse(msg *htsmsg.Message) {
	if text, ok := msg.Str("error"); ok {
		h.finish(fmt.Errorf("%w: %s", apperrors.ErrAuthFailed, text))
		return
	}

	if msg.IntOr("noaccess", 0) != 0 {
		h.finish(fmt.Errorf("%w: %w", apperrors.ErrAuthFailed, apperrors.ErrNoAccess))
		return
	}

	h.finish(nil)
}

// trackSeq records the sequence number a request is sent with.
func (h *Handshake) trackSeq(dst *uint32) func(uint32) {
	return func(seq uint32) {
		h.mu.Lock()
		*dst = seq
		h.mu.Unlock()
	}
}

// finish moves the handshake to its terminal state and reports the
// outcome. Only the first call has any effect.
func (h *Handshake) finish(err error) {
	h.mu.Lock()
	if h.state == StateAuthenticated || h.state == StateFailed || h.state == StateConnected || h.state == StateDisconnected {
		h.mu.Unlock()
		return
	}

	if err == nil {
		h.state = StateAuthenticated
	} else {
		h.state = StateFailed
	}

	done := h.done
	remove := h.remove
	h.mu.Unlock()

	if remove != nil {
		remove()
	}

	if err == nil {
		h.logger.Info("authenticated", slog.String("username", h.creds.Username))
	} else {
		h.logger.Warn("authentication failed", slog.String("error", err.Error()))
	}

	if done != nil {
		done(err)
	}
}

func strField(msg *htsmsg.Message, name string) string {
	s, _ := msg.Str(name)
	return s
}
