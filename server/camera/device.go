package camera

import "errors"

var ErrNoDevice = errors.New("Video capture device support is not compiled in (build with -tags opencv)")

// FrameDevice is a continuously running video capture device
type FrameDevice interface {
	// Grab reads the next frame from the device, and holds onto it
	Grab() error
	// JPEG encodes the most recently grabbed frame
	JPEG() ([]byte, error)
	Close() error
}

// DeviceOpener opens a capture device at the given resolution
type DeviceOpener func(device, width, height int) (FrameDevice, error)
