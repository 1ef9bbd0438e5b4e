//go:build linux

package config

// DefaultCapture grabs the first X11 display.
func DefaultCapture() (Capture, error) {
	return Capture{
		Format: "x11grab",
		Device: ":0.0",
	}, nil
}
