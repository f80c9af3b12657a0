package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/signaling"
)

// PeerStatus tracks where a remote peer is in its lifecycle.
type PeerStatus string

const (
	StatusConnecting   PeerStatus = "connecting"
	StatusConnected    PeerStatus = "connected"
	StatusDisconnected PeerStatus = "disconnected"
)

// RemotePeer is one connected remote identity and the resources the registry
// owns for it. The data connection and the media stream are owned exclusively
// by the registry entry: nobody else closes the channel or stops the tracks.
type RemotePeer struct {
	ID          string
	DisplayName string
	ExamID      string
	Data        signaling.DataConn
	Media       signaling.MediaStream
	ConnectedAt time.Time
	LastActive  time.Time
	Status      PeerStatus
}

// PeerInfo is the read-only projection handed to observers.
type PeerInfo struct {
	ID          string
	DisplayName string
	ExamID      string
	Status      PeerStatus
	HasMedia    bool
	ConnectedAt time.Time
	LastActive  time.Time
}

// Registry is the single source of truth for the remote peers one session
// owns. All mutation goes through it; consumers only ever read snapshots or
// handed-out stream references.
type Registry struct {
	logger *zap.Logger

	mu    sync.Mutex
	peers map[string]*RemotePeer
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.L()
	}
	return &Registry{
		logger: logger.Named("registry"),
		peers:  make(map[string]*RemotePeer),
	}
}

// Upsert merges fields into the entry for remoteID, creating it with
// StatusConnecting when absent. ConnectedAt is set on creation and never
// overwritten; LastActive is refreshed on every call.
func (r *Registry) Upsert(remoteID string, apply func(*RemotePeer)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[remoteID]
	if !ok {
		p = &RemotePeer{
			ID:          remoteID,
			Status:      StatusConnecting,
			ConnectedAt: time.Now(),
		}
		r.peers[remoteID] = p
	}
	connectedAt := p.ConnectedAt
	if apply != nil {
		apply(p)
	}
	p.ID = remoteID
	p.ConnectedAt = connectedAt
	p.LastActive = time.Now()
}

// Replace installs a new data connection for remoteID. Any existing entry is
// evicted first, so at most one live entry exists per identity.
func (r *Registry) Replace(remoteID string, dc signaling.DataConn) {
	r.mu.Lock()
	old, had := r.peers[remoteID]
	now := time.Now()
	r.peers[remoteID] = &RemotePeer{
		ID:          remoteID,
		Data:        dc,
		Status:      StatusConnecting,
		ConnectedAt: now,
		LastActive:  now,
	}
	r.mu.Unlock()

	if had {
		r.release(old)
		r.logger.Info("evicted stale peer before replacement", zap.String("remote_id", remoteID))
	}
}

// Evict removes the entry for remoteID and tears down its resources.
// Idempotent: evicting an absent identity is a no-op. The entry leaves the map
// under the lock, so no reader ever observes a half-torn-down entry.
func (r *Registry) Evict(remoteID string) {
	r.EvictIf(remoteID, nil)
}

// EvictIf evicts remoteID only when cond holds for the live entry, so a stale
// resource's close handler cannot tear down the fresh entry that replaced it.
// A nil cond always matches. Reports whether an eviction happened.
func (r *Registry) EvictIf(remoteID string, cond func(*RemotePeer) bool) bool {
	r.mu.Lock()
	p, ok := r.peers[remoteID]
	if !ok || (cond != nil && !cond(p)) {
		r.mu.Unlock()
		return false
	}
	delete(r.peers, remoteID)
	r.mu.Unlock()

	r.release(p)
	r.logger.Info("evicted peer", zap.String("remote_id", remoteID))
	return true
}

// release frees a removed peer's resources in a fixed order: media tracks
// first, then the data connection. Track stop is synchronous and never waits
// on network acknowledgment. It runs outside the registry lock: closing the
// data connection fires its OnClose handler synchronously, and handlers are
// allowed to call back into the registry.
func (r *Registry) release(p *RemotePeer) {
	signaling.StopTracks(p.Media)
	p.Media = nil
	if p.Data != nil {
		if err := p.Data.Close(); err != nil {
			r.logger.Warn("closing data connection", zap.String("remote_id", p.ID), zap.Error(err))
		}
		p.Data = nil
	}
	p.Status = StatusDisconnected
}

// Has reports whether remoteID currently has a live entry.
func (r *Registry) Has(remoteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[remoteID]
	return ok
}

// Media returns the held stream reference for remoteID, or nil. The caller
// may attach it to a sink but must never stop its tracks; that remains the
// registry's exclusive responsibility.
func (r *Registry) Media(remoteID string) signaling.MediaStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[remoteID]; ok {
		return p.Media
	}
	return nil
}

// Snapshot returns a point-in-time view of all entries.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, PeerInfo{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			ExamID:      p.ExamID,
			Status:      p.Status,
			HasMedia:    p.Media != nil,
			ConnectedAt: p.ConnectedAt,
			LastActive:  p.LastActive,
		})
	}
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Clear evicts every entry, in no particular order between peers.
func (r *Registry) Clear() {
	r.mu.Lock()
	removed := make([]*RemotePeer, 0, len(r.peers))
	for id, p := range r.peers {
		removed = append(removed, p)
		delete(r.peers, id)
	}
	r.mu.Unlock()

	for _, p := range removed {
		r.release(p)
	}
}
