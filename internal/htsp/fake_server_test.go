package htsp

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/htsp-sync/internal/htsmsg"
	"github.com/alexjbarnes/htsp-sync/internal/logging"
)

// handlerFunc answers one request with zero or more frames.
type handlerFunc func(s *fakeServer, req *htsmsg.Message) []*htsmsg.Message

// fakeServer is the far end of a net.Pipe. Reading and answering run on
// separate goroutines so the client can always write while the server
// is busy replying.
type fakeServer struct {
	t    *testing.T
	conn net.Conn
	reqs chan *htsmsg.Message

	writeMu sync.Mutex

	mu  sync.Mutex
	log []*htsmsg.Message
}

// startFake connects a Conn to a fake server. With a nil handler the
// test pulls requests itself with next.
func startFake(t *testing.T, handler handlerFunc) (*Conn, *fakeServer) {
	t.Helper()
	return startFakeWith(t, handler, Options{Logger: logging.Discard()})
}

func startFakeWith(t *testing.T, handler handlerFunc, opts Options) (*Conn, *fakeServer) {
	t.Helper()

	client, server := net.Pipe()
	s := &fakeServer{t: t, conn: server, reqs: make(chan *htsmsg.Message, 1024)}

	go s.readLoop()

	if handler != nil {
		go func() {
			for req := range s.reqs {
				for _, resp := range handler(s, req) {
					if err := s.write(resp); err != nil {
						return
					}
				}
			}
		}()
	}

	c := NewConn(client, opts)
	t.Cleanup(func() {
		c.Close()
		server.Close()
	})

	return c, s
}

func (s *fakeServer) readLoop() {
	defer close(s.reqs)

	for {
		msg, err := htsmsg.ReadFrame(s.conn)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.log = append(s.log, msg)
		s.mu.Unlock()

		s.reqs <- msg
	}
}

func (s *fakeServer) write(msg *htsmsg.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return htsmsg.WriteFrame(s.conn, msg)
}

func (s *fakeServer) writeRaw(b []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(b); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.t.Errorf("raw write: %v", err)
	}
}

// next waits for the next request the client sent.
func (s *fakeServer) next() *htsmsg.Message {
	s.t.Helper()

	select {
	case msg, ok := <-s.reqs:
		if !ok {
			s.t.Fatal("server connection closed")
		}

		return msg
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for request")
	}

	return nil
}

// requests returns every request received so far, optionally only
// those with the given method.
func (s *fakeServer) requests(method string) []*htsmsg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*htsmsg.Message

	for _, m := range s.log {
		if method == "" || m.Method() == method {
			out = append(out, m)
		}
	}

	return out
}

// reply builds a response echoing the request's sequence number.
func reply(req *htsmsg.Message) *htsmsg.Message {
	resp := &htsmsg.Message{}
	if seq, ok := req.Seq(); ok {
		resp.Set("seq", seq)
	}

	return resp
}

// recorder is a Listener that keeps everything it is given.
type recorder struct {
	mu   sync.Mutex
	msgs []*htsmsg.Message
	errs []error
}

func (r *recorder) OnMessage(msg *htsmsg.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) messages() []*htsmsg.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*htsmsg.Message(nil), r.msgs...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}
