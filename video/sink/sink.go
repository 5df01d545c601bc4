package sink

import (
	"camfeed/video/source"
)

// Sink defines a destination for processed frames, such as the preview
// stream.
type Sink interface {
	// Put hands a frame to the sink. The caller keeps ownership; the sink
	// must copy anything it wants to keep.
	Put(input *source.Image)

	// Close should be called to finalize the Sink.
	Close()
}

// Multi fans a frame out to several sinks.
type Multi []Sink

func (m Multi) Put(input *source.Image) {
	for _, s := range m {
		s.Put(input)
	}
}

func (m Multi) Close() {
	for _, s := range m {
		s.Close()
	}
}
