package negotiator

import (
	"errors"

	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/rtcerr"
)

// candidateQueue holds remote candidates that arrived before the remote
// description. take returns them in arrival order and empties the queue.
type candidateQueue struct {
	items []webrtc.ICECandidateInit
}

func (q *candidateQueue) push(c webrtc.ICECandidateInit) {
	q.items = append(q.items, c)
}

func (q *candidateQueue) take() []webrtc.ICECandidateInit {
	out := q.items
	q.items = nil
	return out
}

func (q *candidateQueue) len() int { return len(q.items) }

// toPion converts the wire payload. End of candidates becomes an empty
// candidate string, which pion treats the same way.
func toPion(c models.ICECandidate) webrtc.ICECandidateInit {
	init := webrtc.ICECandidateInit{
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	if c.Candidate != nil {
		init.Candidate = *c.Candidate
	}
	return init
}

func fromPion(c *webrtc.ICECandidate) models.ICECandidate {
	if c == nil {
		return models.ICECandidate{}
	}
	init := c.ToJSON()
	return models.ICECandidate{
		Candidate:     &init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

// isBenign reports errors that are expected when messages arrive twice or
// out of order: wrong signaling state, a description applied twice, or a
// connection that is already closed.
func isBenign(err error) bool {
	var stateErr *rtcerr.InvalidStateError
	var modErr *rtcerr.InvalidModificationError
	return errors.As(err, &stateErr) ||
		errors.As(err, &modErr) ||
		errors.Is(err, webrtc.ErrConnectionClosed)
}
