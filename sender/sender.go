// Package sender streams frames from a local video source to a receiver,
// reconnecting for as long as it runs.
package sender

import (
	"context"
	"errors"
	"image"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"camfeed/metrics"
	"camfeed/video/source"
	"camfeed/wire"
)

type Options struct {
	// Addr is the receiver's host:port.
	Addr string
	// SourceID tags every frame with the camera name.
	SourceID string

	// Size is the resolution frames are downscaled to before sending.
	Size image.Point
	// Interval is the pause after each sent frame.
	Interval time.Duration
	// ReconnectBackoff is the wait between connection attempts.
	ReconnectBackoff time.Duration
	DialTimeout      time.Duration
	WriteTimeout     time.Duration

	// Compress zstd-compresses pixel data.
	Compress bool
}

func DefaultOptions() Options {
	return Options{
		SourceID:         "CV001",
		Size:             image.Point{X: 320, Y: 240},
		Interval:         33 * time.Millisecond,
		ReconnectBackoff: 5 * time.Second,
		DialTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

type Sender struct {
	open source.Opener

	mu   sync.Mutex
	opts Options

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func New(open source.Opener, opts Options) *Sender {
	d := &net.Dialer{Timeout: opts.DialTimeout}
	return &Sender{
		open: open,
		opts: opts,
		dial: d.DialContext,
	}
}

// SetInterval changes the pacing between frames; it applies from the next
// frame on.
func (s *Sender) SetInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Interval = d
}

func (s *Sender) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Run streams until ctx is cancelled. Connection and write failures are
// never returned; they lead to a reconnect and a restart of the video source.
func (s *Sender) Run(ctx context.Context) error {
	for {
		conn, err := s.connect(ctx)
		if err != nil {
			return nil
		}

		err = s.stream(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.Warnf("Connection lost: %v. Reconnecting...", err)
		metrics.SenderReconnects.Inc()
	}
}

// connect dials until it succeeds; it only fails once ctx is done.
func (s *Sender) connect(ctx context.Context) (net.Conn, error) {
	for {
		opts := s.options()
		conn, err := s.dial(ctx, "tcp", opts.Addr)
		if err == nil {
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			log.WithField("addr", opts.Addr).Info("Connected to server")
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warnf("Connection failed: %v. Retrying in %v...", err, opts.ReconnectBackoff)
		if !sleep(ctx, opts.ReconnectBackoff) {
			return nil, ctx.Err()
		}
	}
}

type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

// stream sends frames until a write fails. A video source that cannot be
// opened or read is reopened after the reconnect backoff on the same
// connection.
func (s *Sender) stream(ctx context.Context, conn net.Conn) error {
	for {
		err := s.streamSource(ctx, conn)
		var serr *sourceError
		if !errors.As(err, &serr) {
			return err
		}
		backoff := s.options().ReconnectBackoff
		log.Errorf("Video source failed: %v. Retrying in %v", serr.err, backoff)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
	}
}

// streamSource sends frames from a freshly opened source.
func (s *Sender) streamSource(ctx context.Context, conn net.Conn) error {
	r, err := s.open()
	if err != nil {
		return &sourceError{err}
	}
	defer r.Close()

	frame := gocv.NewMat()
	defer frame.Close()
	small := gocv.NewMat()
	defer small.Close()

	for {
		opts := s.options()
		enc := wire.Encoder{Compress: opts.Compress}

		if err := r.Read(&frame); err != nil {
			return &sourceError{err}
		}
		gocv.Resize(frame, &small, opts.Size, 0, 0, gocv.InterpolationLinear)

		if opts.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
		}
		if err := enc.WriteEnvelope(conn, opts.SourceID, source.ToWire(small)); err != nil {
			if errors.Is(err, wire.ErrPayloadTooLarge) {
				return &sourceError{err}
			}
			return err
		}
		metrics.FramesSent.Inc()

		if !sleep(ctx, opts.Interval) {
			return ctx.Err()
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
