package sink

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"camfeed/video/source"
)

// MJPEG multi-streaming, based on implementation by saljam:
// https://github.com/saljam/mjpeg/blob/master/stream.go

const boundaryWord = "MJPEGBOUNDARY"
const headerf = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"X-Timestamp: %d.%06d\r\n" +
	"\r\n"

var ErrNoSnapshot = errors.New("no frame published yet")

// MJPEGStream serves the most recent frame put into it, both as a
// multipart MJPEG stream and as a single JPEG snapshot.
type MJPEGStream struct {
	lock sync.Mutex
	m    map[chan []byte]bool

	// last is a private copy of the newest frame, encoded lazily by Snapshot.
	last     gocv.Mat
	haveLast bool
	closed   bool
}

func NewMJPEGStream() *MJPEGStream {
	return &MJPEGStream{
		m:    make(map[chan []byte]bool),
		last: gocv.NewMat(),
	}
}

func (s *MJPEGStream) listeners() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.m)
}

// Put implements Sink.
func (s *MJPEGStream) Put(input *source.Image) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	input.Mat.CopyTo(&s.last)
	s.haveLast = true
	s.lock.Unlock()

	if s.listeners() == 0 {
		// Nobody is watching; don't bother encoding.
		return
	}

	jpeg, err := encodeJPEG(input.Mat)
	if err != nil {
		log.Errorf("Error encoding to JPG for MJPEG stream: %v", err)
		return
	}
	ts := input.Time
	header := fmt.Sprintf(headerf, len(jpeg), ts.Unix(), ts.Nanosecond()/1000)
	frame := make([]byte, 0, len(header)+len(jpeg))
	frame = append(frame, header...)
	frame = append(frame, jpeg...)

	s.lock.Lock()
	defer s.lock.Unlock()
	for c := range s.m {
		select {
		case c <- frame:
		default:
			// Skip listeners not ready for next frame.
		}
	}
}

// Snapshot returns the newest frame as JPEG.
func (s *MJPEGStream) Snapshot() ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.haveLast {
		return nil, ErrNoSnapshot
	}
	return encodeJPEG(s.last)
}

// Close implements Sink. Connected viewers are disconnected.
func (s *MJPEGStream) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for c := range s.m {
		close(c)
		delete(s.m, c)
	}
	s.last.Close()
	s.haveLast = false
}

// ServeHTTP implements http.Handler interface, serving MJPEG.
func (s *MJPEGStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := make(chan []byte, 1)
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}
	s.m[c] = true
	s.lock.Unlock()

	clog := log.WithField("addr", r.RemoteAddr)
	clog.Info("MJPEG preview connected")
	w.Header().Add("Content-Type", "multipart/x-mixed-replace;boundary="+boundaryWord)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

loop:
	for {
		select {
		case b, ok := <-c:
			if !ok {
				break loop
			}
			if _, err := w.Write(b); err != nil {
				break loop
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			break loop
		}
	}

	s.lock.Lock()
	delete(s.m, c)
	s.lock.Unlock()
	clog.Info("MJPEG preview disconnected")
}

// SnapshotHandler serves a single JPEG of the newest frame.
func (s *MJPEGStream) SnapshotHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jpeg, err := s.Snapshot()
		if errors.Is(err, ErrNoSnapshot) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(jpeg)
	})
}

func encodeJPEG(m gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, m)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	b := buf.GetBytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
