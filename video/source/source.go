package source

import (
	"errors"
	"time"

	"gocv.io/x/gocv"
)

// Image is a decoded frame together with where and when it came from.
type Image struct {
	Mat  gocv.Mat
	Time time.Time

	// Source is the camera tag carried in the envelope payload.
	Source string
	// Seq counts frames delivered on one receiver, starting at 1.
	Seq uint64

	closed bool
}

func (i *Image) Close() {
	if i.closed {
		panic("image already closed")
	}
	i.closed = true
	i.Mat.Close()
}

// ErrNoFrames is returned by a Reader that cannot produce any frame, even
// after rewinding.
var ErrNoFrames = errors.New("source: no frames available")

// Reader is a restartable stream of images, such as a video file played on a
// loop or a camera.
type Reader interface {
	// Read decodes the next frame into dst. A file source rewinds when it
	// reaches the end, so Read only fails when the source is unusable.
	Read(dst *gocv.Mat) error

	// Close releases the underlying capture device or file.
	Close() error
}

// Opener opens a fresh Reader positioned at the first frame.
type Opener func() (Reader, error)
