package inference

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"camfeed/feed"
	"camfeed/metrics"
	"camfeed/video/sink"
	"camfeed/video/source"
)

// Worker repeatedly takes the newest frame from Slot, runs Detector and
// puts the annotated frame into Sink.
type Worker struct {
	Slot     *feed.Slot[*source.Image]
	Detector Detector
	Sink     sink.Sink

	// TakeTimeout bounds each wait on the slot; defaults to one second.
	TakeTimeout time.Duration

	unhealthy atomic.Bool
}

// Healthy reports whether the last detector run succeeded.
func (w *Worker) Healthy() bool {
	return !w.unhealthy.Load()
}

// Run consumes frames until ctx is done or the slot is closed.
func (w *Worker) Run(ctx context.Context) error {
	timeout := w.TakeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	det := w.Detector
	if det == nil {
		det = NopDetector{}
	}
	metrics.InferenceHealthy.Set(1)

	for {
		frame, err := w.Slot.TakeContext(ctx, timeout)
		switch {
		case errors.Is(err, feed.ErrNoFrame):
			log.Debug("Queue empty...")
			continue
		case errors.Is(err, feed.ErrClosed):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		metrics.FramesTaken.Inc()
		w.process(det, frame)
		frame.Close()
	}
}

func (w *Worker) process(det Detector, frame *source.Image) {
	start := time.Now()
	dets, err := det.Detect(frame.Mat)
	metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	metrics.FramesProcessed.Inc()

	flog := log.WithFields(log.Fields{"source": frame.Source, "seq": frame.Seq})
	if err != nil {
		metrics.InferenceErrors.Inc()
		metrics.InferenceHealthy.Set(0)
		w.unhealthy.Store(true)
		flog.Errorf("Detection failed: %v", err)
		// Still publish the frame, without boxes.
		dets = nil
	} else {
		metrics.InferenceHealthy.Set(1)
		w.unhealthy.Store(false)
	}
	for _, d := range dets {
		metrics.Detections.WithLabelValues(d.Class).Inc()
	}
	if len(dets) > 0 {
		flog.Debugf("Detections: %s", dets.DebugString())
	}

	if w.Sink != nil {
		Annotate(frame, dets)
		w.Sink.Put(frame)
	}
}
