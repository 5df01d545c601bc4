// Package inference is the consumer side of the frame slot: it takes the
// newest frame, runs a detector over it and publishes an annotated copy.
package inference

import (
	"fmt"
	"image"
	"sort"
	"strings"

	"gocv.io/x/gocv"
)

type Detection struct {
	Class      string
	Confidence float32
	Box        image.Rectangle
}

type Detections []Detection

// Sorted returns the detections ordered by descending confidence.
func (d Detections) Sorted() Detections {
	ss := append(Detections{}, d...)
	sort.SliceStable(ss, func(i, j int) bool {
		return ss[i].Confidence > ss[j].Confidence
	})
	return ss
}

func (d Detections) DebugString() string {
	var ds []string
	for _, kv := range d.Sorted() {
		ds = append(ds, fmt.Sprintf("%s: %.2f", kv.Class, kv.Confidence))
	}
	return strings.Join(ds, ", ")
}

// Detector runs a model over a frame. Implementations must not keep img.
type Detector interface {
	Detect(img gocv.Mat) (Detections, error)
}

// NopDetector never reports anything; it stands in when no model is
// configured.
type NopDetector struct{}

func (NopDetector) Detect(gocv.Mat) (Detections, error) {
	return nil, nil
}
