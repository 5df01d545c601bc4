package inference

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"camfeed/video/source"
)

var (
	colorText = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorBG   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	colorBox  = color.RGBA{R: 0, G: 255, B: 0, A: 255}
)

// Annotate draws the source name, capture time and detection boxes onto
// img in place.
func Annotate(img *source.Image, dets Detections) {
	text := img.Source + " - " + img.Time.Format("2006-01-02 15:04:05 MST")

	font := gocv.FontHersheySimplex
	scale := 0.5
	thickness := 1
	pad := 2

	sz := gocv.GetTextSize(text, font, scale, thickness)
	gocv.Rectangle(&img.Mat, image.Rectangle{Max: image.Point{X: sz.X + pad*2, Y: sz.Y + pad*2}}, colorBG, -1)
	gocv.PutText(&img.Mat, text, image.Point{X: pad, Y: sz.Y + pad}, font, scale, colorText, thickness)

	for _, d := range dets {
		if d.Box.Empty() {
			continue
		}
		gocv.Rectangle(&img.Mat, d.Box, colorBox, 2)
		label := d.Class
		gocv.PutText(&img.Mat, label, image.Point{X: d.Box.Min.X, Y: d.Box.Min.Y - pad}, font, scale, colorBox, thickness)
	}
}
