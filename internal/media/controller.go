package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Sender is the outbound side of a transceiver. *webrtc.RTPSender
// implements it.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerConnection is the subset of *webrtc.PeerConnection used to attach
// local media.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
}

// State is what the UI shows on its toggle buttons.
type State struct {
	Acquired      bool `json:"acquired"`
	MicEnabled    bool `json:"micEnabled"`
	CameraEnabled bool `json:"cameraEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}

// Controller owns the local tracks of one session and keeps the outbound
// senders pointing at the right ones. Camera and screen share never feed
// the video sender at the same time.
type Controller struct {
	devices Devices
	logger  zerolog.Logger

	mu          sync.Mutex
	mic         Track
	camera      Track
	screen      Track
	audioSender Sender
	videoSender Sender
	acquired    bool
	released    bool
	onChange    func(State)
}

func NewController(devices Devices, logger zerolog.Logger) *Controller {
	return &Controller{
		devices: devices,
		logger:  logger.With().Str("module", "media").Logger(),
	}
}

// OnChange registers fn to receive the toggle state after every change,
// including a screen share ended from outside the application.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// AcquireLocalMedia opens camera and microphone. On failure every track
// that was opened is stopped again before the error is returned.
func (c *Controller) AcquireLocalMedia(ctx context.Context, constraints Constraints) (TrackSet, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return TrackSet{}, ErrReleased
	}
	if c.acquired {
		set := c.trackSetLocked()
		c.mu.Unlock()
		return set, nil
	}
	c.mu.Unlock()

	tracks, err := c.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		for _, t := range tracks {
			t.Stop()
		}
		c.logger.Error().Err(err).Int("stopped", len(tracks)).Msg("Failed to acquire local media")
		return TrackSet{}, err
	}

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		for _, t := range tracks {
			t.Stop()
		}
		return TrackSet{}, ErrReleased
	}
	for _, t := range tracks {
		switch t.Source() {
		case SourceMicrophone:
			c.mic = t
		case SourceCamera:
			c.camera = t
		default:
			t.Stop()
		}
	}
	c.acquired = true
	set := c.trackSetLocked()
	c.mu.Unlock()

	c.logger.Info().
		Bool("audio", set.Audio != nil).
		Bool("video", set.Camera != nil).
		Msg("Local media acquired")
	c.notify()
	return set, nil
}

// Attach adds the outbound senders to pc. A kind with no local track still
// gets a send-capable transceiver so a track can be swapped in later
// without renegotiation.
func (c *Controller) Attach(pc PeerConnection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	audio, err := attachKind(pc, webrtc.RTPCodecTypeAudio, c.mic)
	if err != nil {
		return err
	}
	video, err := attachKind(pc, webrtc.RTPCodecTypeVideo, c.outboundVideoLocked())
	if err != nil {
		return err
	}
	c.audioSender = audio
	c.videoSender = video
	return nil
}

func attachKind(pc PeerConnection, kind webrtc.RTPCodecType, t Track) (Sender, error) {
	if t != nil && !t.Stopped() {
		sender, err := pc.AddTrack(t.Local())
		if err != nil {
			return nil, fmt.Errorf("add %s track: %w", kind, err)
		}
		return sender, nil
	}
	tr, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
	}
	return tr.Sender(), nil
}

// Detach forgets the senders of a closed peer connection.
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioSender = nil
	c.videoSender = nil
}

func (c *Controller) SetMicEnabled(enabled bool) error {
	c.mu.Lock()
	if c.mic == nil || c.mic.Stopped() {
		c.mu.Unlock()
		return fmt.Errorf("microphone: %w", ErrNoTrack)
	}
	c.mic.SetEnabled(enabled)
	c.mu.Unlock()

	c.logger.Debug().Bool("enabled", enabled).Msg("Microphone toggled")
	c.notify()
	return nil
}

// SetCameraEnabled flips the camera track. Enabling with no camera track
// opens a video-only stream and routes it to the video sender; enabling
// while screen sharing ends the share first.
func (c *Controller) SetCameraEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrReleased
	}

	if !enabled {
		if c.camera != nil {
			c.camera.SetEnabled(false)
		}
		c.mu.Unlock()
		c.logger.Debug().Msg("Camera disabled")
		c.notify()
		return nil
	}

	if c.screen != nil {
		if err := c.stopScreenLocked(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to detach screen share")
		}
	}
	if c.camera != nil && !c.camera.Stopped() {
		c.camera.SetEnabled(true)
		err := c.replaceVideoLocked(c.camera)
		c.mu.Unlock()
		c.notify()
		return err
	}
	c.mu.Unlock()

	tracks, err := c.devices.GetUserMedia(ctx, Constraints{Video: true})
	if err != nil {
		for _, t := range tracks {
			t.Stop()
		}
		return err
	}
	var cam Track
	for _, t := range tracks {
		if t.Source() == SourceCamera && cam == nil {
			cam = t
			continue
		}
		t.Stop()
	}
	if cam == nil {
		return fmt.Errorf("camera: %w", ErrDeviceNotFound)
	}

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		cam.Stop()
		return ErrReleased
	}
	if c.camera != nil {
		c.camera.Stop()
	}
	c.camera = cam
	// A share started while the camera was opening keeps the sender.
	if c.screen == nil {
		err = c.replaceVideoLocked(cam)
	} else {
		cam.SetEnabled(false)
	}
	c.mu.Unlock()

	c.logger.Info().Str("track", cam.ID()).Msg("Camera acquired")
	c.notify()
	return err
}

// StartScreenShare captures the screen and puts it on the video sender in
// place of the camera, which is disabled but kept.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrReleased
	}
	if c.screen != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	screen, err := c.devices.GetDisplayMedia(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Screen capture refused")
		return err
	}

	c.mu.Lock()
	if released := c.released; released || c.screen != nil {
		c.mu.Unlock()
		screen.Stop()
		if released {
			return ErrReleased
		}
		return nil
	}
	if err := c.replaceVideoLocked(screen); err != nil {
		c.mu.Unlock()
		screen.Stop()
		return err
	}
	c.screen = screen
	if c.camera != nil {
		c.camera.SetEnabled(false)
	}
	c.mu.Unlock()

	go c.watchCapture(screen)

	c.logger.Info().Str("track", screen.ID()).Msg("Screen share started")
	c.notify()
	return nil
}

// StopScreenShare ends the capture and puts the camera back on the sender
// if it is still live. Without a camera, outbound video stays off.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	if c.screen == nil {
		c.mu.Unlock()
		return nil
	}
	err := c.stopScreenLocked()
	c.mu.Unlock()

	c.logger.Info().Msg("Screen share stopped")
	c.notify()
	return err
}

func (c *Controller) stopScreenLocked() error {
	c.screen.Stop()
	c.screen = nil

	if c.camera != nil && !c.camera.Stopped() {
		c.camera.SetEnabled(true)
		return c.replaceVideoLocked(c.camera)
	}
	return c.replaceVideoLocked(nil)
}

func (c *Controller) watchCapture(t Track) {
	<-t.Ended()

	c.mu.Lock()
	if c.screen != t {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Info().Str("track", t.ID()).Msg("Screen capture ended by user")
	if err := c.StopScreenShare(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to restore camera after screen share")
	}
}

func (c *Controller) replaceVideoLocked(t Track) error {
	if c.videoSender == nil {
		return nil
	}
	var local webrtc.TrackLocal
	if t != nil {
		local = t.Local()
	}
	if err := c.videoSender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	return nil
}

// ReleaseAll stops microphone, camera and screen tracks in that order. It
// can be called any number of times.
func (c *Controller) ReleaseAll() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	tracks := []Track{c.mic, c.camera, c.screen}
	c.mic, c.camera, c.screen = nil, nil, nil
	c.audioSender, c.videoSender = nil, nil
	c.mu.Unlock()

	stopped := 0
	for _, t := range tracks {
		if t != nil {
			t.Stop()
			stopped++
		}
	}
	c.logger.Debug().Int("stopped", stopped).Msg("Local media released")
}

func (c *Controller) Tracks() TrackSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackSetLocked()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// OutboundVideo returns the track currently meant to feed the video sender.
func (c *Controller) OutboundVideo() Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outboundVideoLocked()
}

func (c *Controller) outboundVideoLocked() Track {
	if c.screen != nil {
		return c.screen
	}
	if c.camera != nil && !c.camera.Stopped() {
		return c.camera
	}
	return nil
}

func (c *Controller) trackSetLocked() TrackSet {
	return TrackSet{Audio: c.mic, Camera: c.camera, Screen: c.screen}
}

func (c *Controller) stateLocked() State {
	return State{
		Acquired:      c.acquired && !c.released,
		MicEnabled:    c.mic != nil && c.mic.Enabled(),
		CameraEnabled: c.camera != nil && c.camera.Enabled(),
		ScreenSharing: c.screen != nil,
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onChange
	st := c.stateLocked()
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
