//go:build !opencv

package camera

// OpenDevice fails when OpenCV support is not compiled in
func OpenDevice(device, width, height int) (FrameDevice, error) {
	return nil, ErrNoDevice
}
