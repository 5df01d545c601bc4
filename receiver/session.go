package receiver

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
)

// ErrIdleTimeout ends a connection that delivered nothing for longer than the
// idle timeout.
var ErrIdleTimeout = errors.New("receiver: client idle timeout")

// CloseReason is the terminal state of a connection.
type CloseReason string

const (
	ClosedEOF      CloseReason = "eof"
	ClosedTimeout  CloseReason = "timeout"
	ClosedError    CloseReason = "error"
	ClosedShutdown CloseReason = "shutdown"
)

func closeReason(ctx context.Context, err error) CloseReason {
	switch {
	case ctx.Err() != nil:
		return ClosedShutdown
	case errors.Is(err, ErrIdleTimeout):
		return ClosedTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ClosedEOF
	}
	return ClosedError
}

// Session describes one producer connection.
type Session struct {
	ID         uuid.UUID
	RemoteAddr string
	// SourceID is the camera tag of the last delivered frame.
	SourceID  string
	StartedAt time.Time
	EndedAt   time.Time

	Frames uint64
	Bytes  uint64

	Reason CloseReason
	Err    error
}

func newSession(conn net.Conn) *Session {
	s := &Session{
		ID:        uuid.New(),
		StartedAt: time.Now(),
	}
	if ra := conn.RemoteAddr(); ra != nil {
		s.RemoteAddr = ra.String()
	}
	return s
}

// SessionListener is told when connections start and end. Calls are made
// from the receiver goroutine and must not block.
type SessionListener interface {
	SessionStarted(s Session)
	SessionEnded(s Session)
}
