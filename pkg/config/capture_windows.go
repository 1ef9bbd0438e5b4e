//go:build windows

package config

// DefaultCapture grabs the whole desktop through GDI.
func DefaultCapture() (Capture, error) {
	return Capture{
		Format: "gdigrab",
		Device: "desktop",
	}, nil
}
