package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

const audioFrame = 20 * time.Millisecond

// SyntheticTrack produces generated samples instead of reading a device.
// While disabled it writes nothing, like a muted browser track.
type SyntheticTrack struct {
	id      string
	source  Source
	local   *webrtc.TrackLocalStaticSample
	audio   AudioConstraints
	enabled atomic.Bool
	stopped atomic.Bool

	stopOnce sync.Once
	ended    chan struct{}
}

func newSyntheticTrack(source Source, interval time.Duration, audio AudioConstraints) (*SyntheticTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if source == SourceMicrophone {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		interval = audioFrame
	}

	id := string(source) + "-" + uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, "local-"+string(source))
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", source, err)
	}

	t := &SyntheticTrack{
		id:     id,
		source: source,
		local:  local,
		audio:  audio,
		ended:  make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump(interval)
	return t, nil
}

func (t *SyntheticTrack) ID() string                { return t.id }
func (t *SyntheticTrack) Source() Source            { return t.source }
func (t *SyntheticTrack) Kind() webrtc.RTPCodecType { return t.local.Kind() }
func (t *SyntheticTrack) Local() webrtc.TrackLocal  { return t.local }
func (t *SyntheticTrack) Enabled() bool             { return t.enabled.Load() }
func (t *SyntheticTrack) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *SyntheticTrack) Stopped() bool             { return t.stopped.Load() }
func (t *SyntheticTrack) Ended() <-chan struct{}    { return t.ended }

// AudioProcessing returns the processing flags the microphone was opened with.
func (t *SyntheticTrack) AudioProcessing() AudioConstraints { return t.audio }

func (t *SyntheticTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		close(t.ended)
	})
}

// EndCapture simulates the user ending capture from the OS, e.g. the
// "stop sharing" button of a screen share.
func (t *SyntheticTrack) EndCapture() { t.Stop() }

func (t *SyntheticTrack) pump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame := make([]byte, 160)
	var seq byte
	for {
		select {
		case <-t.ended:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			seq++
			frame[0] = seq
			// Fails only while the track is unbound, which is expected
			// before negotiation completes.
			_ = t.local.WriteSample(pionmedia.Sample{Data: frame, Duration: interval})
		}
	}
}

// SyntheticDevices generates tracks for headless participants and tests.
// Access to each source can be denied or the device removed to exercise
// the error paths.
type SyntheticDevices struct {
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	denied  map[Source]bool
	missing map[Source]bool
	prompts int
	screens []*SyntheticTrack
}

func NewSyntheticDevices(frameInterval time.Duration, logger zerolog.Logger) *SyntheticDevices {
	if frameInterval <= 0 {
		frameInterval = 33 * time.Millisecond
	}
	return &SyntheticDevices{
		interval: frameInterval,
		logger:   logger.With().Str("module", "devices").Logger(),
		denied:   make(map[Source]bool),
		missing:  make(map[Source]bool),
	}
}

func (d *SyntheticDevices) Deny(src Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denied[src] = true
}

func (d *SyntheticDevices) Remove(src Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.missing[src] = true
}

// Prompts counts how many times access was requested.
func (d *SyntheticDevices) Prompts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prompts
}

// LastScreen returns the most recent screen capture track, if any.
func (d *SyntheticDevices) LastScreen() *SyntheticTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.screens) == 0 {
		return nil
	}
	return d.screens[len(d.screens)-1]
}

func (d *SyntheticDevices) GetUserMedia(ctx context.Context, c Constraints) ([]Track, error) {
	d.mu.Lock()
	d.prompts++
	d.mu.Unlock()

	var tracks []Track
	if c.Audio != nil {
		t, err := d.open(ctx, SourceMicrophone, *c.Audio)
		if err != nil {
			return tracks, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := d.open(ctx, SourceCamera, AudioConstraints{})
		if err != nil {
			return tracks, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (d *SyntheticDevices) GetDisplayMedia(ctx context.Context) (Track, error) {
	d.mu.Lock()
	d.prompts++
	d.mu.Unlock()

	t, err := d.open(ctx, SourceScreen, AudioConstraints{})
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.screens = append(d.screens, t)
	d.mu.Unlock()
	return t, nil
}

func (d *SyntheticDevices) open(ctx context.Context, src Source, audio AudioConstraints) (*SyntheticTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	denied, missing := d.denied[src], d.missing[src]
	d.mu.Unlock()

	switch {
	case missing:
		return nil, fmt.Errorf("%s: %w", src, ErrDeviceNotFound)
	case denied:
		return nil, fmt.Errorf("%s: %w", src, ErrPermissionDenied)
	}

	t, err := newSyntheticTrack(src, d.interval, audio)
	if err != nil {
		return nil, err
	}
	d.logger.Debug().Str("source", string(src)).Str("track", t.ID()).Msg("Capture started")
	return t, nil
}
