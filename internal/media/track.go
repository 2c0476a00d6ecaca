package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied means the user or OS refused access to a capture
	// device. It is fatal to the session attempt.
	ErrPermissionDenied = errors.New("media permission denied")
	// ErrDeviceNotFound means no device of the requested kind exists.
	ErrDeviceNotFound = errors.New("media device not found")
	ErrNoTrack        = errors.New("no track of that kind")
	ErrReleased       = errors.New("media released")
)

// Source tells which capture device a track comes from.
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
)

// Track is a local capture track. Disabling a track keeps it allocated;
// Stop releases the device and closes Ended.
type Track interface {
	ID() string
	Source() Source
	Kind() webrtc.RTPCodecType
	Local() webrtc.TrackLocal
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
	// Ended is closed when capture stops, including when the user ends it
	// from outside the application.
	Ended() <-chan struct{}
}

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

type Constraints struct {
	Audio *AudioConstraints
	Video bool
}

// DefaultConstraints asks for camera and microphone with the audio
// processing a consultation call needs.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio: &AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Video: true,
	}
}

// Devices grants access to capture hardware. Both calls may block until the
// user answers a consent prompt. When GetUserMedia fails it may still
// return the tracks it started; the caller must stop them.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]Track, error)
	GetDisplayMedia(ctx context.Context) (Track, error)
}

// TrackSet is a snapshot of the tracks a Controller owns.
type TrackSet struct {
	Audio  Track
	Camera Track
	Screen Track
}

// Empty reports whether no live track remains.
func (s TrackSet) Empty() bool {
	for _, t := range []Track{s.Audio, s.Camera, s.Screen} {
		if t != nil && !t.Stopped() {
			return false
		}
	}
	return true
}
