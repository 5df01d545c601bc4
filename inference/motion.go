package inference

import (
	"errors"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// MotionDetector reports moving regions using background subtraction. It
// keeps state between frames, so one instance must follow one feed.
type MotionDetector struct {
	// MinArea is the smallest contour area, as a fraction of the frame,
	// reported as motion.
	MinArea float64

	mu     sync.Mutex
	ready  bool
	closed bool

	d                   gocv.BackgroundSubtractorMOG2
	blurred, fg, thresh gocv.Mat
	st3                 gocv.Mat
}

func NewMotionDetector() *MotionDetector {
	return &MotionDetector{MinArea: 0.005}
}

var errDetectorClosed = errors.New("motion detector closed")

func (m *MotionDetector) init() {
	m.ready = true
	m.d = gocv.NewBackgroundSubtractorMOG2()
	m.blurred = gocv.NewMat()
	m.fg = gocv.NewMat()
	m.thresh = gocv.NewMat()
	m.st3 = gocv.GetStructuringElement(gocv.MorphCross, image.Point{X: 3, Y: 3})
}

func (m *MotionDetector) Detect(img gocv.Mat) (Detections, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errDetectorClosed
	}
	if !m.ready {
		m.init()
	}

	gocv.Blur(img, &m.blurred, image.Point{X: 10, Y: 10})
	m.d.Apply(m.blurred, &m.fg)
	// MOG2 marks shadows as 127.
	gocv.Threshold(m.fg, &m.thresh, 128, 255, gocv.ThresholdBinary)
	gocv.Erode(m.thresh, &m.thresh, m.st3)

	contours := gocv.FindContours(m.thresh, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	total := float64(img.Rows() * img.Cols())
	var dets Detections
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		frac := gocv.ContourArea(c) / total
		if frac < m.MinArea {
			continue
		}
		conf := float32(frac / m.MinArea / 10)
		if conf > 1 {
			conf = 1
		}
		dets = append(dets, Detection{
			Class:      "motion",
			Confidence: conf,
			Box:        gocv.BoundingRect(c),
		})
	}
	return dets, nil
}

func (m *MotionDetector) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if !m.ready {
		return
	}
	m.d.Close()
	m.blurred.Close()
	m.fg.Close()
	m.thresh.Close()
	m.st3.Close()
}
