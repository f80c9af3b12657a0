package signaling

import (
	"context"
	"time"
)

// ServerConfig points a connection at a rendezvous server.
type ServerConfig struct {
	URL            string
	STUNServers    []string
	ConnectTimeout time.Duration
}

// Network is the rendezvous + peer-connection library boundary. The concrete
// transport (relay messaging, ICE, DTLS) lives behind it and is never touched
// by session logic.
type Network interface {
	// Connect registers identity on the signaling network and returns a live
	// connection. Events fire on the library's own goroutines; handlers must
	// not block.
	Connect(ctx context.Context, identity string, cfg ServerConfig, events ConnEvents) (Conn, error)
}

// ConnEvents carries the callbacks a connection owner registers up front.
// Nil callbacks are ignored.
type ConnEvents struct {
	// OnOpen fires once the identity is registered with the server.
	OnOpen func(localID string)
	// OnConnection fires for each inbound data connection from a remote identity.
	OnConnection func(remoteID string, dc DataConn)
	// OnCall fires for each inbound media call from a remote identity.
	OnCall func(remoteID string, call MediaCall)
	// OnError fires for connection-level failures (typed *Error where possible).
	OnError func(err error)
	// OnDisconnected fires when the server link drops but the connection object
	// is still usable for reconnection by its owner.
	OnDisconnected func()
}

// Conn is one registered identity on the signaling network.
type Conn interface {
	// LocalID returns the identity this connection registered.
	LocalID() string
	// Dial opens an outbound data connection to a remote identity.
	Dial(ctx context.Context, remoteID string) (DataConn, error)
	// Call starts an outbound media call carrying stream to a remote identity.
	Call(ctx context.Context, remoteID string, stream MediaStream, meta CallMetadata) (MediaCall, error)
	// Close releases the registration and the underlying transport. Idempotent.
	Close() error
}

// DataHandler receives data-connection lifecycle events.
type DataHandler struct {
	OnOpen  func()
	OnData  func(payload []byte)
	OnClose func()
	OnError func(err error)
}

// DataConn is a message channel between two identities, used for control
// traffic such as the student-info announcement.
type DataConn interface {
	RemoteID() string
	// SetHandler registers lifecycle callbacks. Must be called before events
	// are expected; events arriving earlier may be dropped.
	SetHandler(h DataHandler)
	// Send marshals v as JSON and delivers it to the remote side.
	Send(v any) error
	// Close tears the channel down. Idempotent.
	Close() error
}

// CallMetadata rides along with a media call offer.
type CallMetadata struct {
	Type        string `json:"type,omitempty"`
	ExamID      string `json:"examId,omitempty"`
	StudentName string `json:"studentName,omitempty"`
	ExamName    string `json:"examName,omitempty"`
}

// CallHandler receives media-call lifecycle events.
type CallHandler struct {
	OnStream func(stream MediaStream)
	OnClose  func()
	OnError  func(err error)
}

// MediaCall is a negotiated media exchange between two identities.
type MediaCall interface {
	RemoteID() string
	Metadata() CallMetadata
	SetHandler(h CallHandler)
	// Answer accepts the call, optionally attaching a local stream. Passing a
	// nil stream answers receive-only (the admin side).
	Answer(stream MediaStream) error
	// Close ends the call. Idempotent. Does not stop the local stream's
	// tracks; track ownership stays with whoever created the stream.
	Close() error
}

// MediaTrack is a single live media source within a stream.
type MediaTrack interface {
	ID() string
	Kind() string // "video" or "audio"
	// Stop releases the underlying device/track immediately, without waiting
	// on any network acknowledgment.
	Stop() error
	// Stopped reports whether Stop has been called.
	Stopped() bool
}

// MediaStream groups live tracks from one capture source.
type MediaStream interface {
	ID() string
	Tracks() []MediaTrack
}

// StopTracks stops every track of stream. Safe on nil streams and safe to
// call repeatedly; Stop on a stopped track is a no-op for all implementations.
func StopTracks(stream MediaStream) {
	if stream == nil {
		return
	}
	for _, t := range stream.Tracks() {
		_ = t.Stop()
	}
}
