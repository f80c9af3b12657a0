package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/relay"
	"github.com/proctorlink/proctorlink/internal/signaling"
)

const (
	linkKindData  = "data"
	linkKindMedia = "media"

	controlChannelLabel = "control"
)

// Conn is one registered identity: a relay link plus the peer connections
// negotiated through it, one per data connection or media call.
type Conn struct {
	logger    *zap.Logger
	localID   string
	client    *relay.Client
	events    signaling.ConnEvents
	api       *webrtc.API
	rtcConfig webrtc.Configuration

	mu     sync.Mutex
	links  map[string]*link
	closed bool
}

// link is one negotiated peer connection, identified by the ConnID both sides
// carry in their signaling payloads.
type link struct {
	id       string
	remoteID string
	kind     string
	conn     *Conn
	pc       *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool

	data *dataConn
	call *mediaCall
}

func (c *Conn) LocalID() string { return c.localID }

// newLink creates the peer connection and wires candidate trickling and
// failure detection. Caller registers it in c.links.
func (c *Conn) newLink(id, remoteID, kind string) (*link, error) {
	pc, err := c.api.NewPeerConnection(c.rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	l := &link{
		id:       id,
		remoteID: remoteID,
		kind:     kind,
		conn:     c,
		pc:       pc,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		payload, err := json.Marshal(signaling.CandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        stringValue(init.SDPMid),
			SDPMLineIndex: uint16Value(init.SDPMLineIndex),
			ConnID:        l.id,
		})
		if err != nil {
			return
		}
		if err := c.client.Send(signaling.Envelope{
			Type: signaling.TypeCandidate, To: remoteID, Payload: payload,
		}); err != nil {
			c.logger.Warn("trickle candidate", zap.String("remote_id", remoteID), zap.Error(err))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.fail(fmt.Errorf("peer connection %s", state))
		}
	})

	return l, nil
}

// Dial opens an outbound data connection: create the control channel, send
// the offer, and return immediately. The channel's OnOpen fires once
// negotiation completes, matching how callers sequence their announcements.
func (c *Conn) Dial(ctx context.Context, remoteID string) (signaling.DataConn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, signaling.Errorf("dial", signaling.KindServerUnreachable, "connection closed")
	}
	c.mu.Unlock()

	id := uuid.NewString()
	l, err := c.newLink(id, remoteID, linkKindData)
	if err != nil {
		return nil, err
	}

	ch, err := l.pc.CreateDataChannel(controlChannelLabel, nil)
	if err != nil {
		l.pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	dc := newDataConn(l, ch)
	l.data = dc

	if err := l.sendOffer(signaling.CallMetadata{}); err != nil {
		l.pc.Close()
		return nil, err
	}

	c.mu.Lock()
	c.links[id] = l
	c.mu.Unlock()
	return dc, nil
}

// Call starts an outbound media call. A nil stream negotiates receive-only,
// which is how the dashboard re-requests a student's screen.
func (c *Conn) Call(ctx context.Context, remoteID string, stream signaling.MediaStream, meta signaling.CallMetadata) (signaling.MediaCall, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, signaling.Errorf("call", signaling.KindServerUnreachable, "connection closed")
	}
	c.mu.Unlock()

	id := uuid.NewString()
	l, err := c.newLink(id, remoteID, linkKindMedia)
	if err != nil {
		return nil, err
	}
	call := newMediaCall(l, meta, true)
	l.call = call

	if stream != nil {
		if err := attachStream(l.pc, stream); err != nil {
			l.pc.Close()
			return nil, err
		}
	} else {
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			l.pc.Close()
			return nil, fmt.Errorf("add recvonly transceiver: %w", err)
		}
	}
	l.pc.OnTrack(call.handleRemoteTrack)

	if err := l.sendOffer(meta); err != nil {
		l.pc.Close()
		return nil, err
	}

	c.mu.Lock()
	c.links[id] = l
	c.mu.Unlock()
	return call, nil
}

// sendOffer creates the local offer and relays it with the link's identity
// and kind so the callee knows what to expect.
func (l *link) sendOffer(meta signaling.CallMetadata) error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	payload, err := json.Marshal(signaling.OfferPayload{
		SDP:      offer.SDP,
		ConnID:   l.id,
		Kind:     l.kind,
		Metadata: meta,
	})
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}
	return l.conn.client.Send(signaling.Envelope{
		Type: signaling.TypeOffer, To: l.remoteID, Payload: payload,
	})
}

// handleEnvelope dispatches relayed frames. It runs on the relay client's
// read goroutine.
func (c *Conn) handleEnvelope(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeOffer:
		c.handleOffer(env)
	case signaling.TypeAnswer:
		c.handleAnswer(env)
	case signaling.TypeCandidate:
		c.handleCandidate(env)
	case signaling.TypeHangup:
		c.handleHangup(env)
	case signaling.TypeExpire:
		c.handleExpire(env.To)
	default:
		c.logger.Debug("unhandled envelope", zap.String("type", env.Type))
	}
}

func (c *Conn) handleOffer(env signaling.Envelope) {
	var offer signaling.OfferPayload
	if err := json.Unmarshal(env.Payload, &offer); err != nil {
		c.logger.Warn("undecodable offer", zap.String("from", env.From), zap.Error(err))
		return
	}

	l, err := c.newLink(offer.ConnID, env.From, offer.Kind)
	if err != nil {
		c.logger.Warn("inbound link setup failed", zap.String("from", env.From), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.links[offer.ConnID] = l
	c.mu.Unlock()

	switch offer.Kind {
	case linkKindData:
		l.pc.OnDataChannel(func(ch *webrtc.DataChannel) {
			dc := newDataConn(l, ch)
			l.mu.Lock()
			l.data = dc
			l.mu.Unlock()
			if c.events.OnConnection != nil {
				c.events.OnConnection(env.From, dc)
			}
		})
		if err := l.acceptOffer(offer.SDP); err != nil {
			c.logger.Warn("answer data offer", zap.String("from", env.From), zap.Error(err))
			l.close(false)
		}

	case linkKindMedia:
		call := newMediaCall(l, offer.Metadata, false)
		call.pendingOffer = offer.SDP
		l.call = call
		l.pc.OnTrack(call.handleRemoteTrack)
		if c.events.OnCall != nil {
			c.events.OnCall(env.From, call)
		}

	default:
		c.logger.Warn("offer with unknown kind", zap.String("kind", offer.Kind))
		l.close(false)
	}
}

// acceptOffer completes the callee side of a negotiation: set the remote
// offer, answer, and relay the answer back.
func (l *link) acceptOffer(sdp string) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.flushCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	payload, err := json.Marshal(signaling.AnswerPayload{SDP: answer.SDP, ConnID: l.id})
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	return l.conn.client.Send(signaling.Envelope{
		Type: signaling.TypeAnswer, To: l.remoteID, Payload: payload,
	})
}

func (c *Conn) handleAnswer(env signaling.Envelope) {
	var answer signaling.AnswerPayload
	if err := json.Unmarshal(env.Payload, &answer); err != nil {
		return
	}
	l := c.lookup(answer.ConnID)
	if l == nil {
		return
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: answer.SDP,
	}); err != nil {
		c.logger.Warn("set remote answer", zap.String("from", env.From), zap.Error(err))
		l.fail(err)
		return
	}
	l.flushCandidates()
}

func (c *Conn) handleCandidate(env signaling.Envelope) {
	var cand signaling.CandidatePayload
	if err := json.Unmarshal(env.Payload, &cand); err != nil {
		return
	}
	l := c.lookup(cand.ConnID)
	if l == nil {
		return
	}
	l.addCandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &cand.SDPMid,
		SDPMLineIndex: &cand.SDPMLineIndex,
	})
}

func (c *Conn) handleHangup(env signaling.Envelope) {
	var hangup signaling.HangupPayload
	if err := json.Unmarshal(env.Payload, &hangup); err != nil {
		return
	}
	if l := c.lookup(hangup.ConnID); l != nil {
		l.close(false)
	}
}

// handleExpire fails every link still waiting on an answer from the absent
// identity.
func (c *Conn) handleExpire(remoteID string) {
	c.mu.Lock()
	var stale []*link
	for _, l := range c.links {
		if l.remoteID == remoteID {
			l.mu.Lock()
			waiting := !l.remoteSet
			l.mu.Unlock()
			if waiting {
				stale = append(stale, l)
			}
		}
	}
	c.mu.Unlock()
	for _, l := range stale {
		l.fail(fmt.Errorf("peer %s is not registered", remoteID))
	}
}

func (c *Conn) handleRelayClosed(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.logger.Warn("relay link lost", zap.Error(err))
	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected()
	}
}

func (c *Conn) lookup(connID string) *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[connID]
}

func (c *Conn) dropLink(connID string) {
	c.mu.Lock()
	delete(c.links, connID)
	c.mu.Unlock()
}

// addCandidate applies a trickled candidate, buffering it when the remote
// description is not set yet.
func (l *link) addCandidate(init webrtc.ICECandidateInit) {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	if err := l.pc.AddICECandidate(init); err != nil {
		l.conn.logger.Warn("add candidate", zap.String("remote_id", l.remoteID), zap.Error(err))
	}
}

func (l *link) flushCandidates() {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, init := range pending {
		if err := l.pc.AddICECandidate(init); err != nil {
			l.conn.logger.Warn("add buffered candidate", zap.String("remote_id", l.remoteID), zap.Error(err))
		}
	}
}

// close tears the link down. When hangup is true, a hangup frame is relayed
// first so the remote side can release its end promptly.
func (l *link) close(hangup bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	data, call := l.data, l.call
	l.mu.Unlock()

	if hangup {
		if payload, err := json.Marshal(signaling.HangupPayload{ConnID: l.id}); err == nil {
			_ = l.conn.client.Send(signaling.Envelope{
				Type: signaling.TypeHangup, To: l.remoteID, Payload: payload,
			})
		}
	}
	l.pc.Close()
	l.conn.dropLink(l.id)

	if data != nil {
		data.notifyClosed()
	}
	if call != nil {
		call.notifyClosed()
	}
}

// fail closes the link and routes the error to whoever owns it.
func (l *link) fail(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	data, call := l.data, l.call
	l.mu.Unlock()

	if data != nil {
		data.notifyError(err)
	}
	if call != nil {
		call.notifyError(err)
	}
	l.close(false)
}

// Close releases every link and the relay registration. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()

	for _, l := range links {
		l.close(true)
	}
	return c.client.Close()
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func uint16Value(v *uint16) uint16 {
	if v == nil {
		return 0
	}
	return *v
}
