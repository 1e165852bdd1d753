package htsp

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/htsp-sync/internal/errors"
	"github.com/alexjbarnes/htsp-sync/internal/htsmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Sequence numbers ---

func TestNextSeq_UniqueUnderConcurrency(t *testing.T) {
	c, _ := startFake(t, nil)

	const workers, per = 8, 200

	var (
		mu   sync.Mutex
		seen = make(map[uint32]bool)
		wg   sync.WaitGroup
	)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range per {
				seq := c.NextSeq()

				mu.Lock()
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Len(t, seen, workers*per)
	assert.Equal(t, uint32(workers*per+1), c.NextSeq())
}

func TestSend_AssignsStrictlyIncreasingSeqs(t *testing.T) {
	c, s := startFake(t, nil)

	var last uint32

	for range 5 {
		seq, err := c.Send(htsmsg.New("ping"))
		require.NoError(t, err)

		got, ok := s.next().Seq()
		require.True(t, ok)
		assert.Equal(t, seq, got)
		assert.Greater(t, got, last)
		last = got
	}
}

func TestSend_KeepsExplicitSeq(t *testing.T) {
	c, s := startFake(t, nil)

	seq := c.NextSeq()
	got, err := c.Send(htsmsg.New("ping").Set("seq", seq))
	require.NoError(t, err)
	assert.Equal(t, seq, got)

	wire, _ := s.next().Seq()
	assert.Equal(t, seq, wire)
}

func TestRequest_ConcurrentSeqsAscendOnWire(t *testing.T) {
	c, s := startFake(t, nil)

	const n = 50

	var wg sync.WaitGroup

	for range n {
		wg.Add(1)

		go func() {
			defer wg.Done()
			c.Request(htsmsg.New("getSysTime").Set("seq", 999999), func(*htsmsg.Message, error) {})
		}()
	}

	var last uint32

	for range n {
		seq, ok := s.next().Seq()
		require.True(t, ok)
		assert.Greater(t, seq, last)
		last = seq
	}

	wg.Wait()
	assert.Equal(t, n, c.pending.len())
}

// --- Dispatch ---

func TestListener_ReceivesEveryMessageInOrder(t *testing.T) {
	c, s := startFake(t, nil)
	rec := &recorder{}
	c.AddListener(rec)

	for i := range 3 {
		require.NoError(t, s.write(htsmsg.New("channelAdd").Set("channelId", i)))
	}

	require.Eventually(t, func() bool { return len(rec.messages()) == 3 }, time.Second, 5*time.Millisecond)

	for i, m := range rec.messages() {
		assert.Equal(t, int64(i), m.IntOr("channelId", -1))
	}
}

func TestListener_RemoveStopsDelivery(t *testing.T) {
	c, s := startFake(t, nil)
	rec := &recorder{}
	remove := c.AddListener(rec)
	remove()
	remove()

	probe := &recorder{}
	c.AddListener(probe)

	require.NoError(t, s.write(htsmsg.New("tick")))
	require.Eventually(t, func() bool { return len(probe.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.messages())
}

func TestOnMethod_FiltersByMethod(t *testing.T) {
	c, s := startFake(t, nil)

	var (
		mu  sync.Mutex
		got []string
	)

	c.OnMethod("channelDelete", func(m *htsmsg.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m.Method())
	})

	require.NoError(t, s.write(htsmsg.New("channelAdd")))
	require.NoError(t, s.write(htsmsg.New("channelDelete")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRequest_ResponseDeliveredOnce(t *testing.T) {
	c, s := startFake(t, nil)

	calls := make(chan *htsmsg.Message, 2)
	c.Request(htsmsg.New("getSysTime"), func(resp *htsmsg.Message, err error) {
		assert.NoError(t, err)
		calls <- resp
	})

	req := s.next()
	require.NoError(t, s.write(reply(req).Set("time", 1700000000)))
	require.NoError(t, s.write(reply(req).Set("time", 1)))

	select {
	case resp := <-calls:
		assert.Equal(t, int64(1700000000), resp.IntOr("time", 0))
	case <-time.After(time.Second):
		t.Fatal("no response")
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, calls, "a duplicate response must not fire the callback again")
	assert.Zero(t, c.pending.len())
}

func TestDispatch_UnknownSeqDropped(t *testing.T) {
	c, s := startFake(t, nil)

	fired := make(chan struct{}, 1)
	c.Request(htsmsg.New("getSysTime"), func(*htsmsg.Message, error) { fired <- struct{}{} })

	req := s.next()
	seq, _ := req.Seq()

	require.NoError(t, s.write(&htsmsg.Message{}))
	require.NoError(t, s.write((&htsmsg.Message{}).Set("seq", seq+1000)))

	select {
	case <-fired:
		t.Fatal("callback fired for an unrelated sequence number")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, 1, c.pending.len())
	require.NoError(t, c.Err())

	require.NoError(t, s.write(reply(req)))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("response never delivered")
	}
}

func TestCall_ProtocolError(t *testing.T) {
	c, s := startFake(t, func(_ *fakeServer, req *htsmsg.Message) []*htsmsg.Message {
		return []*htsmsg.Message{reply(req).Set("error", "Invalid arguments")}
	})
	_ = s

	_, err := c.Call(context.Background(), htsmsg.New("getEvents"))
	require.Error(t, err)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "getEvents", pe.Method)
	assert.Equal(t, "Invalid arguments", pe.Message)
	assert.NoError(t, c.Err(), "a protocol error is scoped to one request")
}

func TestCall_NoAccess(t *testing.T) {
	c, _ := startFake(t, func(_ *fakeServer, req *htsmsg.Message) []*htsmsg.Message {
		return []*htsmsg.Message{reply(req).Set("noaccess", 1)}
	})

	_, err := c.Call(context.Background(), htsmsg.New("getDiskSpace"))
	require.ErrorIs(t, err, apperrors.ErrNoAccess)
}

func TestCall_Timeout(t *testing.T) {
	c, s := startFake(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, htsmsg.New("getSysTime"))
	require.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.Zero(t, c.pending.len())

	// The late response is dropped without disturbing the connection.
	require.NoError(t, s.write(reply(s.next())))
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, c.Err())
}

func TestRequest_TimeoutOption(t *testing.T) {
	c, s := startFakeWith(t, nil, Options{RequestTimeout: 30 * time.Millisecond})

	errs := make(chan error, 2)
	c.Request(htsmsg.New("getEvents"), func(_ *htsmsg.Message, err error) {
		errs <- err
	})

	req := s.next()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, apperrors.ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("request never timed out")
	}

	assert.Zero(t, c.pending.len())

	// A late answer neither fires the callback again nor breaks the
	// connection.
	require.NoError(t, s.write(reply(req)))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, errs)
	assert.NoError(t, c.Err())
}

func TestRequest_TimeoutStoppedByResponse(t *testing.T) {
	c, s := startFakeWith(t, nil, Options{RequestTimeout: 50 * time.Millisecond})

	errs := make(chan error, 2)
	c.Request(htsmsg.New("getSysTime"), func(_ *htsmsg.Message, err error) {
		errs <- err
	})

	require.NoError(t, s.write(reply(s.next())))
	require.NoError(t, <-errs)

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, errs)
}

func TestCall_Cancelled(t *testing.T) {
	c, _ := startFake(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Call(ctx, htsmsg.New("getSysTime"))
	require.ErrorIs(t, err, context.Canceled)
}

// --- Failure ---

func TestTransportFailure_FailsEverything(t *testing.T) {
	c, s := startFake(t, nil)
	rec := &recorder{}
	c.AddListener(rec)

	errs := make(chan error, 1)
	c.Request(htsmsg.New("getSysTime"), func(_ *htsmsg.Message, err error) { errs <- err })
	s.next()

	require.NoError(t, s.conn.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, apperrors.ErrTransport)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed")
	}

	<-c.Done()
	require.ErrorIs(t, c.Err(), apperrors.ErrTransport)

	require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err := c.Send(htsmsg.New("ping"))
	require.ErrorIs(t, err, apperrors.ErrTransport)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// Close after failure keeps the original error and notifies no one again.
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Err(), apperrors.ErrTransport)
	assert.Len(t, rec.errors(), 1)
}

func TestClose_FailsWithConnectionClosed(t *testing.T) {
	c, s := startFake(t, nil)

	errs := make(chan error, 1)
	c.Request(htsmsg.New("getSysTime"), func(_ *htsmsg.Message, err error) { errs <- err })
	s.next()

	require.NoError(t, c.Close())
	require.ErrorIs(t, <-errs, apperrors.ErrConnectionClosed)

	late := make(chan error, 1)
	c.Request(htsmsg.New("getSysTime"), func(_ *htsmsg.Message, err error) { late <- err })
	require.ErrorIs(t, <-late, apperrors.ErrConnectionClosed)
}

func TestAddListener_AfterFailureReportsImmediately(t *testing.T) {
	c, _ := startFake(t, nil)
	require.NoError(t, c.Close())

	rec := &recorder{}
	c.AddListener(rec)
	require.Len(t, rec.errors(), 1)
	assert.ErrorIs(t, rec.errors()[0], apperrors.ErrConnectionClosed)
}

func TestReadLoop_SkipsMalformedFrame(t *testing.T) {
	c, s := startFake(t, nil)
	rec := &recorder{}
	c.AddListener(rec)

	// A field header that claims more data than the body holds.
	body := []byte{htsmsg.TypeStr, 1, 0, 0, 0, 9, 'x'}
	frame := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
	s.writeRaw(append(frame, body...))

	require.NoError(t, s.write(htsmsg.New("tick")))

	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "tick", rec.messages()[0].Method())
	assert.NoError(t, c.Err())
}
