package receiver

import (
	"context"
	"encoding/binary"
	"image"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"camfeed/feed"
	"camfeed/metrics"
	"camfeed/video/source"
	"camfeed/wire"
)

var serverSize = image.Point{X: 640, Y: 480}

func testMat(t *testing.T, rows, cols int, seed byte) gocv.Mat {
	data := make([]byte, rows*cols*3)
	for i := range data {
		data[i] = seed + byte(i%251)
	}
	m, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8UC3, data)
	require.NoError(t, err)
	c := m.Clone()
	m.Close()
	return c
}

func envelope(t *testing.T, m gocv.Mat) []byte {
	b, err := wire.Encode("CV001", source.ToWire(m))
	require.NoError(t, err)
	return b
}

func assertResizedFrom(t *testing.T, want gocv.Mat, got *source.Image) {
	t.Helper()
	expected := source.Resize(want, serverSize)
	defer expected.Close()
	assert.Equal(t, serverSize.Y, got.Mat.Rows())
	assert.Equal(t, serverSize.X, got.Mat.Cols())
	assert.Equal(t, expected.ToBytes(), got.Mat.ToBytes())
}

func newTestServer(opts Options) (*Server, *feed.Slot[*source.Image]) {
	slot := feed.NewSlot(func(i *source.Image) { i.Close() })
	return NewServer(slot, opts), slot
}

func testOptions() Options {
	o := DefaultOptions()
	o.Addr = "127.0.0.1:0"
	o.ReadTimeout = 20 * time.Millisecond
	o.IdleTimeout = 150 * time.Millisecond
	return o
}

type recordingListener struct {
	mu      sync.Mutex
	started []Session
	ended   []Session
}

func (r *recordingListener) SessionStarted(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, s)
}

func (r *recordingListener) SessionEnded(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, s)
}

func (r *recordingListener) endedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ended)
}

// serve runs serveConn on one end of a pipe and returns the other end.
func serve(t *testing.T, s *Server) (net.Conn, <-chan Session) {
	server, client := net.Pipe()
	done := make(chan Session, 1)
	go func() {
		done <- s.serveConn(context.Background(), server)
	}()
	t.Cleanup(func() { client.Close() })
	return client, done
}

func waitSession(t *testing.T, done <-chan Session) Session {
	t.Helper()
	select {
	case sess := <-done:
		return sess
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
	return Session{}
}

func TestDeliversSplitEnvelopesInOrder(t *testing.T) {
	o := testOptions()
	// Thousands of tiny writes per envelope.
	o.IdleTimeout = 10 * time.Second
	s, slot := newTestServer(o)
	client, done := serve(t, s)

	for i := 0; i < 4; i++ {
		m := testMat(t, 240, 320, byte(i*40))
		b := envelope(t, m)
		for len(b) > 0 {
			n := 7 + i*13
			if n > len(b) {
				n = len(b)
			}
			_, err := client.Write(b[:n])
			require.NoError(t, err)
			b = b[n:]
		}

		frame, err := slot.Take(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "CV001", frame.Source)
		assert.EqualValues(t, i+1, frame.Seq)
		assertResizedFrom(t, m, frame)
		frame.Close()
		m.Close()
	}

	client.Close()
	sess := waitSession(t, done)
	assert.Equal(t, ClosedEOF, sess.Reason)
	assert.EqualValues(t, 4, sess.Frames)
	assert.Equal(t, "CV001", sess.SourceID)
}

func TestBackToBackEnvelopesInOneWrite(t *testing.T) {
	s, slot := newTestServer(testOptions())
	offered := testutil.ToFloat64(metrics.FramesOffered)
	evicted := testutil.ToFloat64(metrics.FramesEvicted)
	client, done := serve(t, s)

	a := testMat(t, 24, 32, 1)
	defer a.Close()
	b := testMat(t, 24, 32, 2)
	defer b.Close()
	_, err := client.Write(append(envelope(t, a), envelope(t, b)...))
	require.NoError(t, err)
	client.Close()

	sess := waitSession(t, done)
	assert.EqualValues(t, 2, sess.Frames)

	frame, err := slot.Take(time.Second)
	require.NoError(t, err)
	defer frame.Close()
	assertResizedFrom(t, b, frame)
	assert.Equal(t, feed.Stats{Offered: 2, Evicted: 1, Taken: 1}, slot.Stats())
	assert.Equal(t, offered+2, testutil.ToFloat64(metrics.FramesOffered))
	assert.Equal(t, evicted+1, testutil.ToFloat64(metrics.FramesEvicted))
}

func TestEOFMidEnvelopeDeliversNothing(t *testing.T) {
	s, slot := newTestServer(testOptions())
	client, done := serve(t, s)

	var prefix [wire.PrefixSize]byte
	binary.LittleEndian.PutUint64(prefix[:], 100)
	_, err := client.Write(prefix[:])
	require.NoError(t, err)
	_, err = client.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	client.Close()

	sess := waitSession(t, done)
	assert.Equal(t, ClosedEOF, sess.Reason)
	assert.Zero(t, sess.Frames)
	assert.Zero(t, slot.Len())
	_, err = slot.Take(20 * time.Millisecond)
	assert.ErrorIs(t, err, feed.ErrNoFrame)
}

func TestIdleConnectionIsClosed(t *testing.T) {
	s, slot := newTestServer(testOptions())
	client, done := serve(t, s)

	m := testMat(t, 24, 32, 9)
	defer m.Close()
	_, err := client.Write(envelope(t, m))
	require.NoError(t, err)
	sent := time.Now()

	sess := waitSession(t, done)
	assert.Equal(t, ClosedTimeout, sess.Reason)
	assert.ErrorIs(t, sess.Err, ErrIdleTimeout)
	assert.EqualValues(t, 1, sess.Frames)
	assert.GreaterOrEqual(t, time.Since(sent), 150*time.Millisecond)
	assert.Equal(t, 1, slot.Len())
}

func TestTricklingConnectionIsClosed(t *testing.T) {
	s, slot := newTestServer(testOptions())
	client, done := serve(t, s)

	var prefix [wire.PrefixSize]byte
	binary.LittleEndian.PutUint64(prefix[:], 1<<20)
	go func() {
		if _, err := client.Write(prefix[:]); err != nil {
			return
		}
		// Faster than the read timeout, so reads never time out.
		for {
			time.Sleep(5 * time.Millisecond)
			if _, err := client.Write([]byte{0}); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	sess := waitSession(t, done)
	assert.Equal(t, ClosedTimeout, sess.Reason)
	assert.ErrorIs(t, sess.Err, ErrIdleTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, slot.Len())
}

func TestActiveConnectionIsNotClosed(t *testing.T) {
	s, _ := newTestServer(testOptions())
	client, done := serve(t, s)

	m := testMat(t, 24, 32, 3)
	defer m.Close()
	b := envelope(t, m)

	// Deliver well inside the idle timeout for longer than the timeout.
	for i := 0; i < 8; i++ {
		_, err := client.Write(b)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
	}
	select {
	case sess := <-done:
		t.Fatalf("connection closed early: %v", sess.Reason)
	default:
	}

	client.Close()
	sess := waitSession(t, done)
	assert.Equal(t, ClosedEOF, sess.Reason)
	assert.EqualValues(t, 8, sess.Frames)
}

func TestMalformedLengthClosesConnection(t *testing.T) {
	o := testOptions()
	o.MaxPayload = 1 << 20
	s, _ := newTestServer(o)
	client, done := serve(t, s)

	var prefix [wire.PrefixSize]byte
	binary.LittleEndian.PutUint64(prefix[:], 1<<40)
	go client.Write(prefix[:])

	sess := waitSession(t, done)
	assert.Equal(t, ClosedError, sess.Reason)
	assert.ErrorIs(t, sess.Err, wire.ErrPayloadTooLarge)
}

func TestMalformedPayloadClosesConnection(t *testing.T) {
	s, slot := newTestServer(testOptions())
	client, done := serve(t, s)

	var prefix [wire.PrefixSize]byte
	binary.LittleEndian.PutUint64(prefix[:], 4)
	go client.Write(append(prefix[:], 0xc1, 0xc1, 0xc1, 0xc1))

	sess := waitSession(t, done)
	assert.Equal(t, ClosedError, sess.Reason)
	assert.Zero(t, slot.Len())
}

func TestBadImageClosesConnection(t *testing.T) {
	cases := []struct {
		name string
		img  wire.Image
		want error
	}{
		{"empty image", wire.Image{Rows: 0, Cols: 5, Type: int(gocv.MatTypeCV8UC3), Data: []byte{0}}, wire.ErrBadImage},
		{"pixel data missing channels", wire.Image{Rows: 480, Cols: 640, Type: int(gocv.MatTypeCV8UC3), Data: make([]byte, 480*640)}, wire.ErrShortPayload},
		{"unknown mat type", wire.Image{Rows: 1, Cols: 1, Type: 4095, Data: []byte{0}}, wire.ErrBadImage},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, slot := newTestServer(testOptions())
			client, done := serve(t, s)

			b, err := wire.Encode("CV001", c.img)
			require.NoError(t, err)
			go client.Write(b)

			sess := waitSession(t, done)
			assert.Equal(t, ClosedError, sess.Reason)
			assert.ErrorIs(t, sess.Err, c.want)
			assert.Zero(t, slot.Len())
			assert.Zero(t, sess.Frames)
		})
	}
}

func TestSessionListeners(t *testing.T) {
	s, _ := newTestServer(testOptions())
	rec := &recordingListener{}
	s.Listeners = append(s.Listeners, rec)
	client, done := serve(t, s)
	client.Close()
	waitSession(t, done)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.started, 1)
	require.Len(t, rec.ended, 1)
	assert.Equal(t, rec.started[0].ID, rec.ended[0].ID)
	assert.Equal(t, ClosedEOF, rec.ended[0].Reason)
	assert.False(t, rec.ended[0].EndedAt.Before(rec.ended[0].StartedAt))
}

func TestServeEndToEnd(t *testing.T) {
	s, slot := newTestServer(testOptions())
	rec := &recordingListener{}
	s.Listeners = append(s.Listeners, rec)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()
	select {
	case <-s.Ready():
	case <-time.After(time.Second):
		t.Fatal("server did not start listening")
	}
	addr := s.Addr().String()

	// A broken producer must not take the server down.
	bad, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = bad.Write([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.endedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	bad.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	first := testMat(t, 240, 320, 10)
	defer first.Close()
	_, err = conn.Write(envelope(t, first))
	require.NoError(t, err)

	frame, err := slot.Take(time.Second)
	require.NoError(t, err)
	assertResizedFrom(t, first, frame)
	frame.Close()

	// Two frames before the consumer takes: only the newer one survives.
	a := testMat(t, 240, 320, 20)
	defer a.Close()
	b := testMat(t, 240, 320, 30)
	defer b.Close()
	_, err = conn.Write(envelope(t, a))
	require.NoError(t, err)
	_, err = conn.Write(envelope(t, b))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return slot.Stats().Offered == 3 }, 2*time.Second, 5*time.Millisecond)

	frame, err = slot.Take(time.Second)
	require.NoError(t, err)
	assertResizedFrom(t, b, frame)
	frame.Close()
	assert.EqualValues(t, 1, slot.Stats().Evicted)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, ClosedShutdown, rec.ended[len(rec.ended)-1].Reason)
}
