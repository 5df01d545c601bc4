package inference

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestMotionDetector(t *testing.T) {
	md := NewMotionDetector()
	defer md.Close()

	bg := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer bg.Close()

	for i := 0; i < 20; i++ {
		dets, err := md.Detect(bg)
		require.NoError(t, err)
		if i > 5 {
			assert.Empty(t, dets, "static background at frame %d", i)
		}
	}

	moved := bg.Clone()
	defer moved.Close()
	square := image.Rect(100, 60, 200, 160)
	gocv.Rectangle(&moved, square, color.RGBA{255, 255, 255, 0}, -1)

	dets, err := md.Detect(moved)
	require.NoError(t, err)
	require.NotEmpty(t, dets)
	assert.Equal(t, "motion", dets[0].Class)
	assert.True(t, dets[0].Box.Overlaps(square), "box %v", dets[0].Box)
	assert.Greater(t, dets[0].Confidence, float32(0))
}

func TestMotionDetectorClosed(t *testing.T) {
	md := NewMotionDetector()
	md.Close()
	md.Close()

	m := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC3)
	defer m.Close()
	_, err := md.Detect(m)
	assert.ErrorIs(t, err, errDetectorClosed)
}
