package audio

import (
	"context"
	"fmt"
	"time"
)

// Platform selects one of the fixed encoder presets
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
)

// Options describes how every segment of a session is encoded. All segments of
// one session must share the same Options so the classifier can decode them.
type Options struct {
	Platform        Platform
	Extension       string
	ContainerFormat string
	Encoder         string
	SampleRate      int
	Channels        int
	BitRate         int

	// Linear PCM fields, only meaningful for the ios preset
	BitDepth  int
	BigEndian bool
	Float     bool

	MimeType string
}

var presets = map[Platform]Options{
	PlatformAndroid: {
		Platform:        PlatformAndroid,
		Extension:       ".3gp",
		ContainerFormat: "3gp",
		Encoder:         "aac",
		SampleRate:      44100,
		Channels:        2,
		BitRate:         128000,
	},
	PlatformIOS: {
		Platform:        PlatformIOS,
		Extension:       ".m4a",
		ContainerFormat: "ipod",
		Encoder:         "aac",
		SampleRate:      44100,
		Channels:        2,
		BitRate:         128000,
		BitDepth:        16,
		BigEndian:       false,
		Float:           false,
	},
	PlatformWeb: {
		Platform:        PlatformWeb,
		Extension:       ".m4a",
		ContainerFormat: "ipod",
		Encoder:         "aac",
		SampleRate:      44100,
		Channels:        2,
		BitRate:         128000,
		MimeType:        "audio/m4a",
	},
}

// Preset returns the encoder preset for a platform
func Preset(platform string) (Options, error) {
	opts, ok := presets[Platform(platform)]
	if !ok {
		return Options{}, fmt.Errorf("unknown recording platform: %s", platform)
	}
	return opts, nil
}

// Segment is one finalized chunk of a call recording
type Segment struct {
	URI       string    `json:"uri"`
	CallID    string    `json:"call_id"`
	Index     int       `json:"index"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Duration returns the wall-clock length of the segment
func (s Segment) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// Handle owns one prepared capture resource
type Handle interface {
	Start(ctx context.Context) error
	// StopAndRelease ends capture, releases the device and returns the
	// location of the recorded file.
	StopAndRelease(ctx context.Context) (string, error)
}

// Device is the capture hardware as seen by the session controller
type Device interface {
	// RequestPermission reports whether the microphone may be used
	RequestPermission(ctx context.Context) (bool, error)
	Prepare(ctx context.Context, opts Options) (Handle, error)
}
