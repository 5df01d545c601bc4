// Package receiver accepts a camera feed connection, reassembles envelopes
// from the byte stream and offers the decoded frames to a latest-wins slot.
//
// Only one connection is serviced at a time: the next Accept happens after
// the current connection has ended. Feeding several cameras concurrently
// would need a slot per source id and one read loop per connection.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"camfeed/feed"
	"camfeed/metrics"
	"camfeed/util"
	"camfeed/video/source"
	"camfeed/wire"
)

type Options struct {
	// Addr is the TCP listen address, e.g. ":8080".
	Addr string

	// ReadTimeout bounds a single read on the connection.
	ReadTimeout time.Duration
	// IdleTimeout closes a connection when a read times out and no envelope
	// was delivered for this long.
	IdleTimeout time.Duration

	// Size is the resolution frames are resized to before being offered.
	// A zero Size keeps the transmitted resolution.
	Size image.Point

	ReadBufferSize int
	// MaxPayload limits the declared envelope length; zero uses
	// wire.MaxPayloadSize.
	MaxPayload uint64
}

func DefaultOptions() Options {
	return Options{
		Addr:           ":8080",
		ReadTimeout:    5 * time.Second,
		IdleTimeout:    10 * time.Second,
		Size:           image.Point{X: 640, Y: 480},
		ReadBufferSize: 4096,
	}
}

type Server struct {
	// Listeners are informed of connection start and end.
	Listeners []SessionListener

	slot *feed.Slot[*source.Image]

	mu   sync.Mutex
	opts Options

	ln    net.Listener
	ready *util.Event
	seq   atomic.Uint64
}

func NewServer(slot *feed.Slot[*source.Image], opts Options) *Server {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 4096
	}
	return &Server{
		slot:  slot,
		opts:  opts,
		ready: util.NewEvent(),
	}
}

// SetTimeouts changes the read and idle timeouts. Connections accepted after
// the call use the new values.
func (s *Server) SetTimeouts(read, idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.ReadTimeout = read
	s.opts.IdleTimeout = idle
}

func (s *Server) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Listen binds the listening socket. Serve calls it if needed.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.options().Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.ready.Notify()
	return nil
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready.Done()
}

// Addr returns the bound address; only valid after Ready.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve runs the accept loop until ctx is cancelled. A failing connection
// never stops the loop.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer s.ln.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.ln.Close()
		case <-stop:
		}
	}()

	log.Infof("Listening for camera feed on %v", s.ln.Addr())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Warnf("Accept failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) Session {
	opts := s.options()
	sess := newSession(conn)
	clog := log.WithFields(log.Fields{"addr": sess.RemoteAddr, "session": sess.ID})
	clog.Info("Camera feed connected")
	metrics.ConnectionsAccepted.Inc()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(15 * time.Second)
	}
	for _, l := range s.Listeners {
		l.SessionStarted(*sess)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	err := s.readLoop(conn, sess, opts, clog)
	close(done)
	conn.Close()

	sess.EndedAt = time.Now()
	sess.Reason = closeReason(ctx, err)
	sess.Err = err
	metrics.ConnectionsClosed.WithLabelValues(string(sess.Reason)).Inc()

	clog = clog.WithFields(log.Fields{"frames": sess.Frames, "reason": sess.Reason})
	switch sess.Reason {
	case ClosedError:
		clog.Warnf("Camera feed connection failed: %v", err)
	case ClosedTimeout:
		clog.Info("Client timeout, closing connection")
	default:
		clog.Info("Camera feed disconnected")
	}

	for _, l := range s.Listeners {
		l.SessionEnded(*sess)
	}
	return *sess
}

func (s *Server) readLoop(conn net.Conn, sess *Session, opts Options, clog *log.Entry) error {
	asm := Assembler{MaxPayload: opts.MaxPayload}
	buf := make([]byte, opts.ReadBufferSize)
	lastActivity := time.Now()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout)); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		if n > 0 {
			asm.Write(buf[:n])
			sess.Bytes += uint64(n)
			metrics.BytesReceived.Add(float64(n))

			for {
				payload, ok, perr := asm.Next()
				if perr != nil {
					return perr
				}
				if !ok {
					break
				}
				if derr := s.deliver(payload, sess, opts, clog); derr != nil {
					return derr
				}
				lastActivity = time.Now()
			}
			// Bytes that don't complete an envelope are not activity.
			if time.Since(lastActivity) > opts.IdleTimeout {
				return ErrIdleTimeout
			}
		}

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if time.Since(lastActivity) > opts.IdleTimeout {
					return ErrIdleTimeout
				}
				continue
			}
			if errors.Is(err, io.EOF) && asm.Buffered() > 0 {
				clog.Debugf("Discarding %d bytes of partial envelope (%v)", asm.Buffered(), asm.State())
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

func (s *Server) deliver(payload []byte, sess *Session, opts Options, clog *log.Entry) error {
	sourceID, img, err := wire.DecodePayload(payload)
	if err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}
	metrics.EnvelopesDelivered.Inc()
	m, err := source.FromWire(img)
	if err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}

	mat := m
	if opts.Size != (image.Point{}) {
		mat = source.Resize(m, opts.Size)
		m.Close()
	}

	if sourceID != sess.SourceID {
		clog.WithField("source", sourceID).Info("Receiving camera feed")
		sess.SourceID = sourceID
	}
	frame := &source.Image{
		Mat:    mat,
		Time:   time.Now(),
		Source: sourceID,
		Seq:    s.seq.Add(1),
	}
	metrics.FramesOffered.Inc()
	if s.slot.Offer(frame) {
		metrics.FramesEvicted.Inc()
	}
	sess.Frames++
	return nil
}
