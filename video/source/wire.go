package source

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"camfeed/wire"
)

// ToWire copies the pixels of m into a wire.Image.
func ToWire(m gocv.Mat) wire.Image {
	return wire.Image{
		Rows: m.Rows(),
		Cols: m.Cols(),
		Type: int(m.Type()),
		Data: m.ToBytes(),
	}
}

// FromWire builds a Mat from a decoded wire.Image. The returned Mat owns its
// memory and must be closed by the caller.
func FromWire(img wire.Image) (gocv.Mat, error) {
	// OpenCV trusts the shape and reads past a short buffer.
	n, err := img.PixelLen()
	if err != nil {
		return gocv.NewMat(), err
	}
	if len(img.Data) != n {
		return gocv.NewMat(), fmt.Errorf("%w: have %d bytes, want %d", wire.ErrShortPayload, len(img.Data), n)
	}
	m, err := gocv.NewMatFromBytes(img.Rows, img.Cols, gocv.MatType(img.Type), img.Data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("mat from %dx%d image: %w", img.Cols, img.Rows, err)
	}
	// NewMatFromBytes may alias the Go slice; detach before it is reused.
	c := m.Clone()
	m.Close()
	return c, nil
}

// Resize scales src to size into a newly allocated Mat.
func Resize(src gocv.Mat, size image.Point) gocv.Mat {
	dst := gocv.NewMat()
	gocv.Resize(src, &dst, size, 0, 0, gocv.InterpolationLinear)
	return dst
}
