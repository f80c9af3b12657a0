package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/proctorlink/proctorlink/internal/signaling"
)

// mediaCall adapts one negotiated media link to the signaling.MediaCall
// surface. An inbound call holds the remote offer until Answer.
type mediaCall struct {
	link     *link
	meta     signaling.CallMetadata
	outbound bool

	// pendingOffer is the callee-side SDP, consumed by Answer.
	pendingOffer string

	mu         sync.Mutex
	handler    signaling.CallHandler
	stream     *RemoteStream
	notified   bool
	answered   bool
	closedSent bool
}

func newMediaCall(l *link, meta signaling.CallMetadata, outbound bool) *mediaCall {
	return &mediaCall{link: l, meta: meta, outbound: outbound}
}

func (mc *mediaCall) RemoteID() string                 { return mc.link.remoteID }
func (mc *mediaCall) Metadata() signaling.CallMetadata { return mc.meta }

func (mc *mediaCall) SetHandler(h signaling.CallHandler) {
	mc.mu.Lock()
	mc.handler = h
	var replay *RemoteStream
	if mc.notified && h.OnStream != nil {
		replay = mc.stream
	}
	mc.mu.Unlock()
	if replay != nil {
		h.OnStream(replay)
	}
}

// Answer accepts an inbound call, attaching stream when non-nil. Answering
// with no stream negotiates receive-only.
func (mc *mediaCall) Answer(stream signaling.MediaStream) error {
	if mc.outbound {
		return fmt.Errorf("answer on an outbound call")
	}
	mc.mu.Lock()
	if mc.answered {
		mc.mu.Unlock()
		return fmt.Errorf("call already answered")
	}
	mc.answered = true
	offer := mc.pendingOffer
	mc.mu.Unlock()

	if stream != nil {
		if err := attachStream(mc.link.pc, stream); err != nil {
			return err
		}
	}
	return mc.link.acceptOffer(offer)
}

func (mc *mediaCall) Close() error {
	mc.link.close(true)
	return nil
}

// handleRemoteTrack collects negotiated remote tracks into one stream and
// fires OnStream on the first arrival.
func (mc *mediaCall) handleRemoteTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	track := newRemoteTrack(tr)

	mc.mu.Lock()
	if mc.stream == nil {
		mc.stream = &RemoteStream{id: tr.StreamID()}
	}
	mc.stream.add(track)
	first := !mc.notified
	mc.notified = true
	stream := mc.stream
	onStream := mc.handler.OnStream
	mc.mu.Unlock()

	if first && onStream != nil {
		onStream(stream)
	}
}

func (mc *mediaCall) notifyClosed() {
	mc.mu.Lock()
	if mc.closedSent {
		mc.mu.Unlock()
		return
	}
	mc.closedSent = true
	stream := mc.stream
	onClose := mc.handler.OnClose
	mc.mu.Unlock()

	if stream != nil {
		signaling.StopTracks(stream)
	}
	if onClose != nil {
		onClose()
	}
}

func (mc *mediaCall) notifyError(err error) {
	mc.mu.Lock()
	onError := mc.handler.OnError
	mc.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}
