//go:build !linux && !windows

package config

func DefaultCapture() (Capture, error) {
	return Capture{}, ErrUnsupportedPlatform
}
