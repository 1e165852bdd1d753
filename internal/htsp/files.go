package htsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/htsp-sync/internal/errors"
	"github.com/alexjbarnes/htsp-sync/internal/htsmsg"
	"github.com/alexjbarnes/htsp-sync/internal/logging"
)

const (
	// ChunkSize is the number of bytes requested by each fileRead.
	ChunkSize = 10 * 1024

	// maxFileSize caps the buffer allocated for a single transfer.
	maxFileSize = 256 * 1024 * 1024
)

// FileFunc receives the outcome of a transfer: the complete file or an
// error. It runs exactly once.
type FileFunc func(data []byte, err error)

// fileTransfer is the per-handle state of one in-flight fetch.
type fileTransfer struct {
	path     string
	remoteID int64
	opened   bool
	buf      []byte
	pos      int
	done     FileFunc

	// timer expires the outstanding request when the connection has a
	// request timeout.
	timer *time.Timer
}

// FileFetcher downloads remote files over a shared connection with the
// fileOpen / fileRead / fileClose exchange. Any number of transfers may
// run at once.
type FileFetcher struct {
	conn   *Conn
	logger *slog.Logger
	remove func()

	// mu guards bySeq, transfers, orphans and nextHandle together.
	// Requests are registered under mu before they are written, so the
	// reader goroutine always finds the mapping for a response.
	mu         sync.Mutex
	nextHandle uint64
	bySeq      map[uint32]uint64
	transfers  map[uint64]*fileTransfer

	// orphans holds fileOpen requests whose transfer ended before the
	// answer came. A late successful open is closed straight away.
	orphans map[uint32]struct{}
}

// NewFileFetcher registers a fetcher on conn.
func NewFileFetcher(conn *Conn, logger *slog.Logger) *FileFetcher {
	if logger == nil {
		logger = logging.Discard()
	}

	f := &FileFetcher{
		conn:      conn,
		logger:    logger,
		bySeq:     make(map[uint32]uint64),
		transfers: make(map[uint64]*fileTransfer),
		orphans:   make(map[uint32]struct{}),
	}
	f.remove = conn.AddListener(f)

	return f
}

// Close unregisters the fetcher. Transfers still in flight fail.
func (f *FileFetcher) Close() {
	f.remove()
	f.failAll(errors.New("file fetcher closed"))
}

// GetFile starts fetching path and returns the local handle id. done
// runs once with the file contents or the failure.
func (f *FileFetcher) GetFile(path string, done FileFunc) uint64 {
	f.mu.Lock()
	f.nextHandle++
	handle := f.nextHandle
	f.transfers[handle] = &fileTransfer{path: path, done: done}
	f.mu.Unlock()

	f.logger.Debug("opening file", slog.String("path", path), slog.Uint64("handle", handle))

	if err := f.request(handle, htsmsg.New("fileOpen").Set("file", path)); err != nil {
		f.failHandle(handle, fmt.Errorf("opening %s: %w", path, err))
	}

	return handle
}

// request writes msg on behalf of handle. The sequence number is mapped
// to the handle before the frame goes out, and the connection's request
// timeout is armed for it. Must be called without f.mu held.
func (f *FileFetcher) request(handle uint64, msg *htsmsg.Message) error {
	isOpen := msg.Method() == "fileOpen"

	_, err := f.conn.SendTracked(msg, func(seq uint32) {
		f.mu.Lock()
		defer f.mu.Unlock()

		t, ok := f.transfers[handle]
		if !ok {
			if isOpen {
				f.orphans[seq] = struct{}{}
			}

			return
		}

		f.bySeq[seq] = handle

		if d := f.conn.requestTimeout; d > 0 {
			t.timer = time.AfterFunc(d, func() { f.expire(seq) })
		}
	})

	return err
}

// expire fails the transfer waiting on seq with ErrTimeout. A request
// answered in the meantime is left alone.
func (f *FileFetcher) expire(seq uint32) {
	f.mu.Lock()

	handle, ok := f.bySeq[seq]
	if !ok {
		f.mu.Unlock()
		return
	}

	t := f.release(handle)
	f.mu.Unlock()

	method := "fileRead"
	if !t.opened {
		method = "fileOpen"
	}

	f.finishFailed(t, fmt.Errorf("fetching %s: %w: %s (seq %d)", t.path, apperrors.ErrTimeout, method, seq))
}

// Fetch downloads path and waits for it. When ctx ends first the
// transfer is released at once, the remote file is closed if it was
// opened, and a deadline is reported as ErrTimeout.
func (f *FileFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	ch := make(chan result, 1)
	handle := f.GetFile(path, func(data []byte, err error) {
		ch <- result{data: data, err: err}
	})

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			f.failHandle(handle, fmt.Errorf("fetching %s: %w: %w", path, apperrors.ErrTimeout, ctx.Err()))
		} else {
			f.Cancel(handle)
		}

		// Either our failure or an outcome that beat it.
		r := <-ch

		return r.data, r.err
	}
}

// Cancel stops a transfer now: its state is released, the remote file
// is closed if it was opened, and done runs with context.Canceled.
// Responses still in flight for it are dropped.
func (f *FileFetcher) Cancel(handle uint64) {
	f.mu.Lock()
	t, ok := f.transfers[handle]
	f.mu.Unlock()

	if ok {
		f.failHandle(handle, fmt.Errorf("fetching %s: %w", t.path, context.Canceled))
	}
}

// InFlight returns the number of transfers not yet finished.
func (f *FileFetcher) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.transfers)
}

// OnMessage implements Listener. Responses whose sequence number this
// fetcher did not issue are ignored.
func (f *FileFetcher) OnMessage(msg *htsmsg.Message) {
	seq, ok := msg.Seq()
	if !ok {
		return
	}

	f.mu.Lock()

	if _, ok := f.orphans[seq]; ok {
		delete(f.orphans, seq)
		f.mu.Unlock()
		f.closeOrphan(msg)

		return
	}

	handle, ok := f.bySeq[seq]
	if !ok {
		f.mu.Unlock()
		return
	}

	delete(f.bySeq, seq)
	t := f.transfers[handle]

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	method := "fileRead"
	if !t.opened {
		method = "fileOpen"
	}

	if err := responseError(method, seq, msg); err != nil {
		f.mu.Unlock()
		f.failHandle(handle, fmt.Errorf("fetching %s: %w", t.path, err))

		return
	}

	if !t.opened {
		f.onOpen(handle, t, msg)
	} else {
		f.onRead(handle, t, msg)
	}
}

// onOpen handles the fileOpen response. Called with f.mu held; releases it.
func (f *FileFetcher) onOpen(handle uint64, t *fileTransfer, msg *htsmsg.Message) {
	remoteID, okID := msg.Int("id")
	size, okSize := msg.Int("size")

	if !okID {
		f.mu.Unlock()
		f.failHandle(handle, fmt.Errorf("fetching %s: open response has no file id", t.path))

		return
	}

	t.remoteID = remoteID
	t.opened = true

	if !okSize || size < 0 || size > maxFileSize {
		f.mu.Unlock()
		f.failHandle(handle, fmt.Errorf("fetching %s: unusable file size %d", t.path, size))

		return
	}

	t.buf = make([]byte, size)

	f.logger.Debug("file opened",
		slog.String("path", t.path),
		slog.Int64("remote_id", remoteID),
		slog.Int64("size", size),
	)

	f.advance(handle, t)
}

// onRead handles a fileRead response. Called with f.mu held; releases it.
func (f *FileFetcher) onRead(handle uint64, t *fileTransfer, msg *htsmsg.Message) {
	data, _ := msg.Bin("data")

	if len(data) == 0 {
		f.mu.Unlock()
		f.failHandle(handle, fmt.Errorf("fetching %s: empty read at offset %d of %d", t.path, t.pos, len(t.buf)))

		return
	}

	if t.pos+len(data) > len(t.buf) {
		f.mu.Unlock()
		f.failHandle(handle, fmt.Errorf("fetching %s: read of %d bytes overruns %d byte file", t.path, len(data), len(t.buf)))

		return
	}

	copy(t.buf[t.pos:], data)
	t.pos += len(data)

	f.advance(handle, t)
}

// advance completes the transfer when the buffer is full, otherwise
// issues the next read. Called with f.mu held; releases it.
func (f *FileFetcher) advance(handle uint64, t *fileTransfer) {
	if t.pos == len(t.buf) {
		delete(f.transfers, handle)
		f.mu.Unlock()

		f.sendClose(t.remoteID)
		f.logger.Debug("file complete", slog.String("path", t.path), slog.Int("bytes", len(t.buf)))
		t.done(t.buf, nil)

		return
	}

	offset := t.pos
	remoteID := t.remoteID
	f.mu.Unlock()

	read := htsmsg.New("fileRead").
		Set("id", remoteID).
		Set("size", ChunkSize).
		Set("offset", offset)

	if err := f.request(handle, read); err != nil {
		f.failHandle(handle, fmt.Errorf("reading %s: %w", t.path, err))
	}
}

// OnError implements Listener: every transfer fails with the
// connection error.
func (f *FileFetcher) OnError(err error) {
	f.failAll(err)
}

// release removes every trace of handle and returns its transfer, or nil
// when it already finished. Open requests still unanswered become
// orphans. Called with f.mu held.
func (f *FileFetcher) release(handle uint64) *fileTransfer {
	t, ok := f.transfers[handle]
	if !ok {
		return nil
	}

	delete(f.transfers, handle)

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	for seq, h := range f.bySeq {
		if h != handle {
			continue
		}

		delete(f.bySeq, seq)

		if !t.opened {
			f.orphans[seq] = struct{}{}
		}
	}

	return t
}

// failHandle releases all state for handle, closes the remote file if
// it was opened, and reports err. A handle that already finished is
// left alone.
func (f *FileFetcher) failHandle(handle uint64, err error) {
	f.mu.Lock()
	t := f.release(handle)
	f.mu.Unlock()

	if t != nil {
		f.finishFailed(t, err)
	}
}

// finishFailed closes the remote file if it was opened and reports err.
// t must already be released.
func (f *FileFetcher) finishFailed(t *fileTransfer, err error) {
	if t.opened {
		f.sendClose(t.remoteID)
	}

	f.logger.Warn("file transfer failed", slog.String("path", t.path), slog.String("error", err.Error()))
	t.done(nil, err)
}

func (f *FileFetcher) failAll(err error) {
	f.mu.Lock()
	clear(f.orphans)
	handles := make([]uint64, 0, len(f.transfers))

	for h := range f.transfers {
		handles = append(handles, h)
	}
	f.mu.Unlock()

	for _, h := range handles {
		f.failHandle(h, err)
	}
}

// closeOrphan closes a remote file opened for a transfer that no longer
// exists.
func (f *FileFetcher) closeOrphan(msg *htsmsg.Message) {
	if msg.Has("error") || msg.IntOr("noaccess", 0) != 0 {
		return
	}

	if remoteID, ok := msg.Int("id"); ok {
		f.logger.Debug("closing abandoned file", slog.Int64("remote_id", remoteID))
		f.sendClose(remoteID)
	}
}

func (f *FileFetcher) sendClose(remoteID int64) {
	if _, err := f.conn.Send(htsmsg.New("fileClose").Set("id", remoteID)); err != nil {
		f.logger.Debug("closing remote file", slog.Int64("remote_id", remoteID), slog.String("error", err.Error()))
	}
}
