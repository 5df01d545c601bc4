package sink

import (
	"sync"

	"gocv.io/x/gocv"

	"camfeed/video/source"
)

// Window shows frames in a desktop window, for local debugging.
type Window struct {
	mu      sync.Mutex
	window  *gocv.Window
	sizeSet bool
}

func NewWindow(name string) *Window {
	return &Window{
		window: gocv.NewWindow(name),
	}
}

func (w *Window) Put(input *source.Image) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.window == nil {
		return
	}
	if !w.sizeSet {
		w.window.ResizeWindow(input.Mat.Cols(), input.Mat.Rows())
		w.sizeSet = true
	}
	w.window.IMShow(input.Mat)
	w.window.WaitKey(1)
}

func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.window != nil {
		w.window.Close()
		w.window = nil
	}
}
