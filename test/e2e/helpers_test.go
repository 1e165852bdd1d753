package e2e_test

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/htsp-sync/internal/config"
	"github.com/alexjbarnes/htsp-sync/internal/guide"
	"github.com/alexjbarnes/htsp-sync/internal/htsmsg"
	"github.com/alexjbarnes/htsp-sync/internal/htsp"
	"github.com/alexjbarnes/htsp-sync/internal/mcpserver"
	"github.com/alexjbarnes/htsp-sync/internal/server"
	"github.com/alexjbarnes/htsp-sync/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testUsername = "tvuser"
	testPassword = "tvpass"
	testAPIKey   = "e2e-test-api-key"
)

var testChallenge = []byte("0123456789abcdef0123456789abcdef")

// epoch is 2026-03-01T18:00:00Z.
const epoch = 1772388000

type backendChannel struct {
	id     int64
	number int64
	name   string
}

type backendEvent struct {
	id    int64
	start int64
	title string
}

// backend is a TCP HTSP server holding a mutable guide. Each connection
// is served by one goroutine that answers requests in order.
type backend struct {
	ln net.Listener

	mu       sync.Mutex
	channels []backendChannel
	events   map[int64][]backendEvent
	files    map[string][]byte
	conns    int
}

func startBackend(t *testing.T) *backend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &backend{
		ln:     ln,
		events: make(map[int64][]backendEvent),
		files:  make(map[string][]byte),
	}

	go b.accept()
	t.Cleanup(func() { ln.Close() })

	return b
}

func (b *backend) addr() string {
	return b.ln.Addr().String()
}

func (b *backend) setGuide(channels []backendChannel, events map[int64][]backendEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.channels = channels
	b.events = events
}

func (b *backend) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.conns
}

func (b *backend) accept() {
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return
		}

		b.mu.Lock()
		b.conns++
		b.mu.Unlock()

		go b.serve(nc)
	}
}

func (b *backend) serve(nc net.Conn) {
	defer nc.Close()

	authed := false
	open := make(map[int64][]byte)
	var nextFile int64

	for {
		req, err := htsmsg.ReadFrame(nc)
		if err != nil {
			return
		}

		resp := &htsmsg.Message{}
		if seq, ok := req.Seq(); ok {
			resp.Set("seq", seq)
		}

		var async []*htsmsg.Message

		switch req.Method() {
		case "hello":
			resp.Set("htspversion", htsp.ProtocolVersion).
				Set("servername", "Fake TV").
				Set("serverversion", "4.3-e2e").
				Set("challenge", testChallenge)
		case "authenticate":
			user, _ := req.Str("username")
			digest, _ := req.Bin("digest")

			if user != testUsername || !bytes.Equal(digest, htsp.Digest(testPassword, testChallenge)) {
				resp.Set("noaccess", 1)
			} else {
				authed = true
			}
		case "enableAsyncMetadata":
			if !authed {
				resp.Set("noaccess", 1)
				break
			}

			async = b.metadata()
		case "getEvents":
			resp.Set("events", b.eventList(req.IntOr("channelId", 0)))
		case "fileOpen":
			name, _ := req.Str("file")

			b.mu.Lock()
			data, ok := b.files[name]
			b.mu.Unlock()

			if !ok {
				resp.Set("error", "File not found")
				break
			}

			nextFile++
			open[nextFile] = data
			resp.Set("id", nextFile).Set("size", len(data))
		case "fileRead":
			data := open[req.IntOr("id", 0)]
			offset := req.IntOr("offset", 0)
			end := min(offset+req.IntOr("size", 0), int64(len(data)))
			resp.Set("data", append([]byte(nil), data[offset:end]...))
		case "fileClose":
			delete(open, req.IntOr("id", 0))
		default:
			resp.Set("error", "Method not supported")
		}

		if err := htsmsg.WriteFrame(nc, resp); err != nil {
			return
		}

		for _, msg := range async {
			if err := htsmsg.WriteFrame(nc, msg); err != nil {
				return
			}
		}
	}
}

func (b *backend) metadata() []*htsmsg.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := make([]*htsmsg.Message, 0, len(b.channels)+1)
	for _, ch := range b.channels {
		msgs = append(msgs, htsmsg.New("channelAdd").
			Set("channelId", ch.id).
			Set("channelNumber", ch.number).
			Set("channelName", ch.name))
	}

	return append(msgs, htsmsg.New("initialSyncCompleted"))
}

func (b *backend) eventList(channelID int64) htsmsg.List {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := htsmsg.List{}
	for _, ev := range b.events[channelID] {
		list = append(list, (&htsmsg.Message{}).
			Set("eventId", ev.id).
			Set("channelId", channelID).
			Set("start", ev.start).
			Set("stop", ev.start+3600).
			Set("title", ev.title))
	}

	return list
}

// harness is the full stack: the fake backend, a bbolt guide store, and
// an HTTP server exposing the MCP tools behind API key middleware.
type harness struct {
	URL     string
	Backend *backend
	Store   *store.Bolt
	Client  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "guide.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{Backend: startBackend(t), Store: st}

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "htsp-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, st, syncerFunc(h.sync))

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys:       []config.APIKeyEntry{{Name: "e2e", Hash: string(hash)}},
		MCPHandler: mcpHandler,
		Logger:     logger,
		Status:     st,
		Version:    "test",
	}))
	t.Cleanup(ts.Close)

	h.URL = ts.URL
	h.Client = ts.Client()

	return h
}

type syncerFunc func(ctx context.Context) (guide.Report, error)

func (f syncerFunc) Run(ctx context.Context) (guide.Report, error) { return f(ctx) }

// dial opens an authenticated connection to the backend.
func (h *harness) dial(ctx context.Context, password string) (*htsp.Conn, error) {
	conn, err := htsp.Dial(ctx, h.Backend.addr(), htsp.DialOptions{
		Options: htsp.Options{RequestTimeout: 5 * time.Second},
	})
	if err != nil {
		return nil, err
	}

	hs := htsp.NewHandshake(conn,
		htsp.Credentials{Username: testUsername, Password: password},
		htsp.ClientInfo{Name: "e2e", Version: "test"},
		nil,
	)

	if err := hs.Authenticate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// sync runs one full pass over a fresh connection.
func (h *harness) sync(ctx context.Context) (guide.Report, error) {
	conn, err := h.dial(ctx, testPassword)
	if err != nil {
		return guide.Report{}, err
	}
	defer conn.Close()

	src := htsp.NewGuide(conn, htsp.GuideOptions{MetadataTimeout: 5 * time.Second})

	return guide.NewSyncer(src, h.Store, guide.Options{Concurrency: 2}).Run(ctx)
}

// mcpSession creates an MCP client session authenticated with key.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent returns the text of the first content item.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	return tc.Text
}
