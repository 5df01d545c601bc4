package source

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// CameraURI selects the default capture device instead of a file.
const CameraURI = "camera"

type VideoCapture struct {
	URI string
	cap *gocv.VideoCapture
}

// OpenVideoCapture opens a video file, or device 0 when uri is CameraURI.
func OpenVideoCapture(uri string) (*VideoCapture, error) {
	var (
		cap *gocv.VideoCapture
		err error
	)
	if uri == CameraURI {
		cap, err = gocv.OpenVideoCapture(0)
	} else {
		cap, err = gocv.VideoCaptureFile(uri)
	}
	if err != nil {
		return nil, fmt.Errorf("open video capture %q: %w", uri, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("open video capture %q: not opened", uri)
	}
	return &VideoCapture{
		URI: uri,
		cap: cap,
	}, nil
}

// VideoCaptureOpener adapts OpenVideoCapture to an Opener.
func VideoCaptureOpener(uri string) Opener {
	return func() (Reader, error) {
		return OpenVideoCapture(uri)
	}
}

func (v *VideoCapture) Read(dst *gocv.Mat) error {
	if ok := v.cap.Read(dst); ok && !dst.Empty() {
		return nil
	}

	// End of file; restart playback from the first frame.
	log.WithField("uri", v.URI).Debug("Restarting video")
	v.cap.Set(gocv.VideoCapturePosFrames, 0)
	if ok := v.cap.Read(dst); ok && !dst.Empty() {
		return nil
	}
	return ErrNoFrames
}

func (v *VideoCapture) Close() error {
	return v.cap.Close()
}
