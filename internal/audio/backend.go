package audio

import (
	"io"
	"runtime"
	"strings"

	"github.com/scamshield/callguard/internal/config"
)

// BackendType represents the ffmpeg input device used for capture
type BackendType string

const (
	BackendTypePulse        BackendType = "pulse"
	BackendTypeALSA         BackendType = "alsa"
	BackendTypeAVFoundation BackendType = "avfoundation"
	BackendTypeAuto         BackendType = "auto"
)

// NewDevice creates a capture device using the appropriate backend based on configuration
func NewDevice(cfg *config.Config, logWriter io.Writer) Device {
	return NewFFmpegDevice(FFmpegConfig{
		Backend:   determineBackend(cfg.Recording.Backend, runtime.GOOS),
		Source:    cfg.Recording.Source,
		Directory: cfg.Output.Directory,
	}, logWriter)
}

// determineBackend determines which backend to use based on configuration
func determineBackend(configured, goos string) BackendType {
	switch strings.ToLower(configured) {
	case "pulse":
		return BackendTypePulse
	case "alsa":
		return BackendTypeALSA
	case "avfoundation":
		return BackendTypeAVFoundation
	}

	// auto
	if goos == "darwin" {
		return BackendTypeAVFoundation
	}
	return BackendTypePulse
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	if runtime.GOOS == "darwin" {
		return []BackendType{BackendTypeAVFoundation}
	}
	return []BackendType{BackendTypePulse, BackendTypeALSA}
}
