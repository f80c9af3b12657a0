// Package signalingtest provides an in-process signaling.Network for tests:
// identities, data connections and media calls work end to end with no
// sockets, timers or real media involved.
package signalingtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/proctorlink/proctorlink/internal/signaling"
)

// Network is an in-memory rendezvous. One instance plays the role of the
// signaling server shared by every connected identity.
type Network struct {
	mu         sync.Mutex
	conns      map[string]*Conn
	connects   int
	connectErr error
}

func NewNetwork() *Network {
	return &Network{conns: make(map[string]*Conn)}
}

func (n *Network) Connect(_ context.Context, identity string, _ signaling.ServerConfig, events signaling.ConnEvents) (signaling.Conn, error) {
	n.mu.Lock()
	n.connects++
	if n.connectErr != nil {
		err := n.connectErr
		n.mu.Unlock()
		return nil, err
	}
	if _, taken := n.conns[identity]; taken {
		n.mu.Unlock()
		return nil, signaling.Errorf("connect", signaling.KindIdentityTaken, "identity %q already registered", identity)
	}
	c := &Conn{net: n, id: identity, events: events}
	n.conns[identity] = c
	n.mu.Unlock()

	if events.OnOpen != nil {
		events.OnOpen(identity)
	}
	return c, nil
}

// ConnectCalls returns how many times Connect was invoked, successful or not.
func (n *Network) ConnectCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connects
}

// SetConnectErr makes every subsequent Connect fail with err until reset with
// nil, simulating an unreachable server.
func (n *Network) SetConnectErr(err error) {
	n.mu.Lock()
	n.connectErr = err
	n.mu.Unlock()
}

// Registered reports whether identity currently holds a live connection.
func (n *Network) Registered(identity string) bool {
	return n.lookup(identity) != nil
}

// DropServerLink simulates the server dropping one identity's link the way
// the real transport behaves: the identity is unregistered, the connection's
// owned resources close, further Dial/Call on it fail, and OnDisconnected
// fires last.
func (n *Network) DropServerLink(identity string) {
	n.mu.Lock()
	c := n.conns[identity]
	n.mu.Unlock()
	if c == nil {
		return
	}
	_ = c.Close()
	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected()
	}
}

func (n *Network) lookup(identity string) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[identity]
}

func (n *Network) unregister(identity string, c *Conn) {
	n.mu.Lock()
	if n.conns[identity] == c {
		delete(n.conns, identity)
	}
	n.mu.Unlock()
}

// Conn is one registered identity.
type Conn struct {
	net    *Network
	id     string
	events signaling.ConnEvents

	mu     sync.Mutex
	closed bool
	owned  []closer
}

type closer interface{ Close() error }

func (c *Conn) LocalID() string { return c.id }

func (c *Conn) Dial(_ context.Context, remoteID string) (signaling.DataConn, error) {
	if c.isClosed() {
		return nil, signaling.Errorf("dial", signaling.KindServerUnreachable, "connection closed")
	}
	remote := c.net.lookup(remoteID)
	if remote == nil {
		return nil, signaling.Errorf("dial", signaling.KindServerUnreachable, "no such identity %q", remoteID)
	}

	local := &DataConn{remoteID: remoteID}
	peer := &DataConn{remoteID: c.id}
	local.peer, peer.peer = peer, local

	c.track(local)
	remote.track(peer)

	if remote.events.OnConnection != nil {
		remote.events.OnConnection(c.id, peer)
	}
	local.open()
	peer.open()
	return local, nil
}

func (c *Conn) Call(_ context.Context, remoteID string, stream signaling.MediaStream, meta signaling.CallMetadata) (signaling.MediaCall, error) {
	if c.isClosed() {
		return nil, signaling.Errorf("call", signaling.KindServerUnreachable, "connection closed")
	}
	remote := c.net.lookup(remoteID)
	if remote == nil {
		return nil, signaling.Errorf("call", signaling.KindServerUnreachable, "no such identity %q", remoteID)
	}

	local := &MediaCall{remoteID: remoteID, meta: meta, localStream: stream}
	peer := &MediaCall{remoteID: c.id, meta: meta}
	local.peer, peer.peer = peer, local

	c.track(local)
	remote.track(peer)

	if remote.events.OnCall != nil {
		remote.events.OnCall(c.id, peer)
	}
	return local, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	owned := c.owned
	c.owned = nil
	c.mu.Unlock()

	c.net.unregister(c.id, c)
	for _, o := range owned {
		_ = o.Close()
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) track(o closer) {
	c.mu.Lock()
	c.owned = append(c.owned, o)
	c.mu.Unlock()
}

// DataConn is one end of an in-memory data connection pair.
type DataConn struct {
	remoteID string
	peer     *DataConn

	mu      sync.Mutex
	handler signaling.DataHandler
	opened  bool
	closed  bool
}

func (d *DataConn) RemoteID() string { return d.remoteID }

func (d *DataConn) SetHandler(h signaling.DataHandler) {
	d.mu.Lock()
	d.handler = h
	fireOpen := d.opened && h.OnOpen != nil
	d.mu.Unlock()
	if fireOpen {
		h.OnOpen()
	}
}

func (d *DataConn) open() {
	d.mu.Lock()
	d.opened = true
	h := d.handler
	d.mu.Unlock()
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (d *DataConn) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	peer := d.peer
	peer.mu.Lock()
	closed := peer.closed
	h := peer.handler
	peer.mu.Unlock()
	if closed {
		return signaling.Errorf("send", signaling.KindServerUnreachable, "data connection closed")
	}
	if h.OnData != nil {
		h.OnData(payload)
	}
	return nil
}

func (d *DataConn) Close() error {
	d.closeLocal()
	d.peer.closeLocal()
	return nil
}

func (d *DataConn) closeLocal() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	h := d.handler
	d.mu.Unlock()
	if h.OnClose != nil {
		h.OnClose()
	}
}

// MediaCall is one end of an in-memory call pair.
type MediaCall struct {
	remoteID    string
	meta        signaling.CallMetadata
	peer        *MediaCall
	localStream signaling.MediaStream

	mu      sync.Mutex
	handler signaling.CallHandler
	closed  bool
}

func (m *MediaCall) RemoteID() string                 { return m.remoteID }
func (m *MediaCall) Metadata() signaling.CallMetadata { return m.meta }

func (m *MediaCall) SetHandler(h signaling.CallHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Answer accepts the call. The answering side's stream (possibly nil) is
// delivered to the caller, and the caller's stream (possibly nil) is
// delivered to the answering side, mirroring a two-way negotiation.
func (m *MediaCall) Answer(stream signaling.MediaStream) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return signaling.Errorf("answer", signaling.KindServerUnreachable, "call closed")
	}
	m.localStream = stream
	m.mu.Unlock()

	if stream != nil {
		m.peer.deliverStream(stream)
	}
	m.peer.mu.Lock()
	callerStream := m.peer.localStream
	m.peer.mu.Unlock()
	if callerStream != nil {
		m.deliverStream(callerStream)
	}
	return nil
}

func (m *MediaCall) deliverStream(stream signaling.MediaStream) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h.OnStream != nil {
		h.OnStream(stream)
	}
}

func (m *MediaCall) Close() error {
	m.closeLocal()
	m.peer.closeLocal()
	return nil
}

func (m *MediaCall) closeLocal() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	h := m.handler
	m.mu.Unlock()
	if h.OnClose != nil {
		h.OnClose()
	}
}

// Track is a fake media track that records whether it was stopped.
type Track struct {
	TrackID   string
	TrackKind string
	stopped   atomic.Bool
}

func (t *Track) ID() string    { return t.TrackID }
func (t *Track) Kind() string  { return t.TrackKind }
func (t *Track) Stop() error   { t.stopped.Store(true); return nil }
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Stream is a fake media stream of fake tracks.
type Stream struct {
	StreamID string
	List     []*Track
}

// NewStream builds a stream with one video track, the common case in tests.
func NewStream(id string) *Stream {
	return &Stream{StreamID: id, List: []*Track{{TrackID: id + "-video", TrackKind: "video"}}}
}

func (s *Stream) ID() string { return s.StreamID }

func (s *Stream) Tracks() []signaling.MediaTrack {
	out := make([]signaling.MediaTrack, len(s.List))
	for i, t := range s.List {
		out[i] = t
	}
	return out
}
