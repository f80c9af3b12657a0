package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/proctorlink/proctorlink/internal/signaling"
)

// ErrTrackStopped is returned when writing to a stopped local track.
var ErrTrackStopped = errors.New("track stopped")

// LocalTrack is a sample-fed outbound track. The capture layer writes encoded
// frames into it; pion paces them onto the wire.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	stopped atomic.Bool
}

func (t *LocalTrack) ID() string   { return t.track.ID() }
func (t *LocalTrack) Kind() string { return t.track.Kind().String() }

// Stop marks the track dead immediately. Subsequent writes fail; the peer
// connection drops the track at the next renegotiation or teardown.
func (t *LocalTrack) Stop() error {
	t.stopped.Store(true)
	return nil
}

func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }

// WriteSample pushes one encoded frame with its display duration.
func (t *LocalTrack) WriteSample(data []byte, duration time.Duration) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	return t.track.WriteSample(media.Sample{Data: data, Duration: duration})
}

// LocalStream groups local tracks for one capture source.
type LocalStream struct {
	id     string
	tracks []*LocalTrack
}

// NewScreenStream builds a stream with a single VP8 video track, the shape a
// screen capture produces.
func NewScreenStream(id string) (*LocalStream, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen", id,
	)
	if err != nil {
		return nil, fmt.Errorf("create screen track: %w", err)
	}
	return &LocalStream{
		id:     id,
		tracks: []*LocalTrack{{track: track}},
	}, nil
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []signaling.MediaTrack {
	out := make([]signaling.MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// VideoTrack returns the stream's video track for the capture layer to feed.
func (s *LocalStream) VideoTrack() *LocalTrack {
	for _, t := range s.tracks {
		if t.Kind() == "video" {
			return t
		}
	}
	return nil
}

// attachStream adds every track of stream to pc. Only streams produced by
// this transport can ride on it.
func attachStream(pc *webrtc.PeerConnection, stream signaling.MediaStream) error {
	for _, t := range stream.Tracks() {
		lt, ok := t.(*LocalTrack)
		if !ok {
			return fmt.Errorf("track %s was not produced by this transport", t.ID())
		}
		if _, err := pc.AddTrack(lt.track); err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
	}
	return nil
}

// RemoteTrack wraps a negotiated inbound track. A drain goroutine keeps RTP
// flowing even when no consumer is attached.
type RemoteTrack struct {
	track   *webrtc.TrackRemote
	stopped atomic.Bool

	mu   sync.Mutex
	sink func(payload []byte)
}

func newRemoteTrack(tr *webrtc.TrackRemote) *RemoteTrack {
	t := &RemoteTrack{track: tr}
	go t.drain()
	return t
}

func (t *RemoteTrack) ID() string   { return t.track.ID() }
func (t *RemoteTrack) Kind() string { return t.track.Kind().String() }

func (t *RemoteTrack) Stop() error {
	t.stopped.Store(true)
	return nil
}

func (t *RemoteTrack) Stopped() bool { return t.stopped.Load() }

// SetSink routes raw RTP payloads to a consumer. A nil sink reverts to
// draining.
func (t *RemoteTrack) SetSink(sink func(payload []byte)) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

func (t *RemoteTrack) drain() {
	for {
		if t.stopped.Load() {
			return
		}
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			return
		}
		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink != nil {
			sink(pkt.Payload)
		}
	}
}

// RemoteStream assembles the inbound tracks of one call.
type RemoteStream struct {
	id string

	mu     sync.Mutex
	tracks []*RemoteTrack
}

func (s *RemoteStream) add(t *RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) Tracks() []signaling.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}
