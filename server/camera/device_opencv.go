//go:build opencv

package camera

import (
	"fmt"

	"gocv.io/x/gocv"
)

type openCVDevice struct {
	capture *gocv.VideoCapture
	frame   gocv.Mat
}

// OpenDevice opens a V4L2 device through OpenCV
func OpenDevice(device, width, height int) (FrameDevice, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("Failed to open video device %v: %w", device, err)
	}
	capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(height))
	return &openCVDevice{
		capture: capture,
		frame:   gocv.NewMat(),
	}, nil
}

func (d *openCVDevice) Grab() error {
	if ok := d.capture.Read(&d.frame); !ok || d.frame.Empty() {
		return fmt.Errorf("Failed to read frame from video device")
	}
	return nil
}

func (d *openCVDevice) JPEG() ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, d.frame)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	img := make([]byte, len(buf.GetBytes()))
	copy(img, buf.GetBytes())
	return img, nil
}

func (d *openCVDevice) Close() error {
	d.frame.Close()
	return d.capture.Close()
}
