package monitor

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// StreamDescriptor describes the merged remote media for the UI.
type StreamDescriptor struct {
	StreamID     string `json:"streamId,omitempty"`
	AudioTrackID string `json:"audioTrackId,omitempty"`
	VideoTrackID string `json:"videoTrackId,omitempty"`
	Active       bool   `json:"active"`
}

func (d StreamDescriptor) HasAudio() bool { return d.AudioTrackID != "" }
func (d StreamDescriptor) HasVideo() bool { return d.VideoTrackID != "" }

// RemoteStream merges inbound tracks into one stream. A new track only
// replaces the previous track of the same kind.
type RemoteStream struct {
	mu       sync.Mutex
	desc     StreamDescriptor
	onChange func(StreamDescriptor)
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

func (r *RemoteStream) OnChange(fn func(StreamDescriptor)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *RemoteStream) Descriptor() StreamDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desc
}

// AddTrack merges a newly arrived remote track.
func (r *RemoteStream) AddTrack(kind webrtc.RTPCodecType, trackID, streamID string) StreamDescriptor {
	return r.update(func(d *StreamDescriptor) bool {
		switch kind {
		case webrtc.RTPCodecTypeAudio:
			if d.AudioTrackID == trackID {
				return false
			}
			d.AudioTrackID = trackID
		case webrtc.RTPCodecTypeVideo:
			if d.VideoTrackID == trackID {
				return false
			}
			d.VideoTrackID = trackID
		default:
			return false
		}
		if d.StreamID == "" {
			d.StreamID = streamID
		}
		d.Active = true
		return true
	})
}

// RemoveTrack drops a track that ended. Tracks of the other kind stay.
func (r *RemoteStream) RemoveTrack(trackID string) StreamDescriptor {
	return r.update(func(d *StreamDescriptor) bool {
		switch trackID {
		case "":
			return false
		case d.AudioTrackID:
			d.AudioTrackID = ""
		case d.VideoTrackID:
			d.VideoTrackID = ""
		default:
			return false
		}
		d.Active = d.HasAudio() || d.HasVideo()
		return true
	})
}

// Reset clears the stream when the connection goes away.
func (r *RemoteStream) Reset() StreamDescriptor {
	return r.update(func(d *StreamDescriptor) bool {
		if *d == (StreamDescriptor{}) {
			return false
		}
		*d = StreamDescriptor{}
		return true
	})
}

func (r *RemoteStream) update(fn func(*StreamDescriptor) bool) StreamDescriptor {
	r.mu.Lock()
	changed := fn(&r.desc)
	desc := r.desc
	cb := r.onChange
	r.mu.Unlock()

	if changed && cb != nil {
		cb(desc)
	}
	return desc
}
