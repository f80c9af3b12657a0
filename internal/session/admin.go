package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/signaling"
	"github.com/proctorlink/proctorlink/internal/store"
)

// AdminState is the admin session's lifecycle position.
type AdminState string

const (
	AdminIdle         AdminState = "idle"
	AdminConnecting   AdminState = "connecting"
	AdminLive         AdminState = "live"
	AdminReconnecting AdminState = "reconnecting"
	AdminFailed       AdminState = "failed"
	AdminTerminated   AdminState = "terminated"
)

// AdminConfig carries the dashboard session's settings.
type AdminConfig struct {
	Server    signaling.ServerConfig
	Identity  IdentityPolicy
	Reconnect ReconnectPolicy
	// CallTimeout bounds the establishment of admin-initiated calls.
	CallTimeout time.Duration
}

func (c AdminConfig) withDefaults() AdminConfig {
	if c.Identity.AdminIdentity == "" {
		c.Identity = DefaultIdentityPolicy()
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect = DefaultReconnectPolicy(RoleAdmin)
	}
	c.Reconnect.Role = RoleAdmin
	if c.CallTimeout == 0 {
		c.CallTimeout = 15 * time.Second
	}
	return c
}

// RosterEntry is one student's row in the dashboard roster.
type RosterEntry struct {
	ID     string
	Name   string
	ExamID string
	Status PeerStatus
	// HasMedia reports whether a live stream is attached. A student tile is
	// rendered exactly when Status is connected and HasMedia is true.
	HasMedia bool
}

// AdminSession accepts every student's connection under the well-known admin
// identity, tracks the roster, and tears down stale entries. A second
// concurrent dashboard holding the same identity is a reported conflict, not
// something to silently retry around.
type AdminSession struct {
	cfg      AdminConfig
	endpoint *signaling.Endpoint
	registry *Registry
	events   store.EventLog
	logger   *zap.Logger

	mu         sync.Mutex
	state      AdminState
	fatalErr   error
	attempts   int
	retryTimer *time.Timer
	rosterFns  []func(roster []RosterEntry)
}

// NewAdminSession wires the dashboard session. events may be nil when the log
// viewer is disabled.
func NewAdminSession(cfg AdminConfig, network signaling.Network, events store.EventLog, logger *zap.Logger) *AdminSession {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("admin-session")
	return &AdminSession{
		cfg:      cfg.withDefaults(),
		endpoint: signaling.NewEndpoint(network, logger),
		registry: NewRegistry(logger),
		events:   events,
		logger:   logger,
		state:    AdminIdle,
	}
}

// State returns the session's current state.
func (a *AdminSession) State() AdminState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// FatalErr returns the terminal operator-facing error, if any (an identity
// conflict reported by the server).
func (a *AdminSession) FatalErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatalErr
}

// Registry exposes the session's connection registry, the single source of
// truth for connected students.
func (a *AdminSession) Registry() *Registry {
	return a.registry
}

// Start registers the well-known admin identity on the signaling network.
func (a *AdminSession) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != AdminIdle {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("admin session already started (state %s)", state)
	}
	a.state = AdminConnecting
	a.mu.Unlock()

	a.endpoint.SetEvents(signaling.ConnEvents{
		OnOpen: func(localID string) {
			a.mu.Lock()
			a.state = AdminLive
			a.attempts = 0
			a.mu.Unlock()
			a.logger.Info("dashboard live", zap.String("identity", localID))
		},
		OnConnection: func(remoteID string, dc signaling.DataConn) {
			a.handleIncomingConnection(remoteID, dc)
		},
		OnCall: func(remoteID string, call signaling.MediaCall) {
			a.handleIncomingCall(remoteID, call)
		},
		OnError: func(err error) {
			// The registration died with the link; drop the dead connection
			// so the retry's Open dials fresh instead of no-opping on the
			// same identity.
			a.endpoint.Disconnect()
			a.handleFailure(signaling.KindOf(err), err)
		},
		OnDisconnected: func() {
			a.endpoint.Disconnect()
			a.handleFailure(signaling.KindServerUnreachable, errors.New("server link dropped"))
		},
	})

	if err := a.endpoint.Open(ctx, a.cfg.Identity.AdminIdentity, a.cfg.Server); err != nil {
		a.handleFailure(signaling.KindOf(err), err)
		return a.FatalErr()
	}
	return nil
}

// handleIncomingConnection registers a student's control connection. A new
// connection from an identity that already has an entry evicts the old entry
// first, so the registry never holds two live entries for one identity.
func (a *AdminSession) handleIncomingConnection(remoteID string, dc signaling.DataConn) {
	a.logger.Info("student connected", zap.String("remote_id", remoteID))
	a.registry.Replace(remoteID, dc)
	a.notifyRoster()

	dc.SetHandler(signaling.DataHandler{
		OnData: func(payload []byte) {
			var info signaling.StudentInfo
			if err := json.Unmarshal(payload, &info); err != nil {
				a.logger.Warn("undecodable control message",
					zap.String("remote_id", remoteID), zap.Error(err))
				return
			}
			if info.Type != signaling.StudentInfoType {
				return
			}
			a.registry.Upsert(remoteID, func(p *RemotePeer) {
				p.DisplayName = info.StudentName
				p.ExamID = info.ExamID
			})
			a.notifyRoster()
		},
		OnClose: func() {
			// Guard on the conn: when Replace already installed a fresh
			// connection for this student, the old conn's close must not
			// evict the new entry.
			if a.registry.EvictIf(remoteID, func(p *RemotePeer) bool { return p.Data == dc }) {
				a.notifyRoster()
			}
		},
		OnError: func(err error) {
			a.logger.Warn("student connection error",
				zap.String("remote_id", remoteID), zap.Error(err))
			if a.registry.EvictIf(remoteID, func(p *RemotePeer) bool { return p.Data == dc }) {
				a.notifyRoster()
			}
		},
	})
}

// handleIncomingCall answers a student's pushed stream with no outbound media
// and attaches the received stream to the registry entry.
func (a *AdminSession) handleIncomingCall(remoteID string, call signaling.MediaCall) {
	a.logger.Info("incoming call", zap.String("remote_id", remoteID),
		zap.String("type", call.Metadata().Type))

	// delivered tracks the stream this particular call attached, so a stale
	// call's close only evicts the entry still holding its own stream.
	var deliveredMu sync.Mutex
	var delivered signaling.MediaStream
	ownsEntry := func(p *RemotePeer) bool {
		deliveredMu.Lock()
		defer deliveredMu.Unlock()
		return p.Media == delivered
	}

	call.SetHandler(signaling.CallHandler{
		OnStream: func(stream signaling.MediaStream) {
			deliveredMu.Lock()
			delivered = stream
			deliveredMu.Unlock()
			a.registry.Upsert(remoteID, func(p *RemotePeer) {
				p.Media = stream
				p.Status = StatusConnected
			})
			a.notifyRoster()
		},
		OnClose: func() {
			if a.registry.EvictIf(remoteID, ownsEntry) {
				a.notifyRoster()
			}
		},
		OnError: func(err error) {
			a.logger.Warn("call error", zap.String("remote_id", remoteID), zap.Error(err))
			if a.registry.EvictIf(remoteID, ownsEntry) {
				a.notifyRoster()
			}
		},
	})

	if err := call.Answer(nil); err != nil {
		a.logger.Warn("failed to answer call", zap.String("remote_id", remoteID), zap.Error(err))
		a.registry.Evict(remoteID)
		a.notifyRoster()
	}
}

// handleFailure distinguishes the fatal identity conflict from transient
// connectivity trouble.
func (a *AdminSession) handleFailure(kind signaling.ErrorKind, cause error) {
	a.mu.Lock()
	if a.state == AdminTerminated || a.state == AdminFailed || a.retryTimer != nil {
		a.mu.Unlock()
		return
	}
	a.attempts++
	attempt := a.attempts
	a.mu.Unlock()

	decision := a.cfg.Reconnect.Decide(attempt, kind)
	if decision.Action == ActionGiveUp {
		a.mu.Lock()
		a.state = AdminFailed
		if kind == signaling.KindIdentityTaken {
			a.fatalErr = fmt.Errorf("another admin dashboard is already live under %q: %w",
				a.cfg.Identity.AdminIdentity, cause)
		} else {
			a.fatalErr = fmt.Errorf("signaling connection lost permanently: %w", cause)
		}
		a.mu.Unlock()
		a.logger.Error("dashboard session failed", zap.Error(cause))
		return
	}

	a.logger.Warn("connection failure, scheduling retry",
		zap.String("kind", kind.String()),
		zap.Int("attempt", attempt),
		zap.Duration("delay", decision.Delay))

	a.mu.Lock()
	a.state = AdminReconnecting
	a.retryTimer = time.AfterFunc(decision.Delay, func() {
		a.mu.Lock()
		a.retryTimer = nil
		terminated := a.state == AdminTerminated || a.state == AdminFailed
		a.mu.Unlock()
		if terminated {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CallTimeout)
		defer cancel()
		if err := a.endpoint.Open(ctx, a.cfg.Identity.AdminIdentity, a.cfg.Server); err != nil {
			a.handleFailure(signaling.KindOf(err), err)
		}
	})
	a.mu.Unlock()
}

// Roster returns the current student list. Tiles render only entries that
// are connected with media attached.
func (a *AdminSession) Roster() []RosterEntry {
	snapshot := a.registry.Snapshot()
	roster := make([]RosterEntry, 0, len(snapshot))
	for _, p := range snapshot {
		roster = append(roster, RosterEntry{
			ID:       p.ID,
			Name:     p.DisplayName,
			ExamID:   p.ExamID,
			Status:   p.Status,
			HasMedia: p.HasMedia,
		})
	}
	return roster
}

// OnRoster subscribes to roster changes. Handlers must not block.
func (a *AdminSession) OnRoster(fn func(roster []RosterEntry)) {
	a.mu.Lock()
	a.rosterFns = append(a.rosterFns, fn)
	a.mu.Unlock()
}

func (a *AdminSession) notifyRoster() {
	a.mu.Lock()
	fns := append([]func([]RosterEntry){}, a.rosterFns...)
	a.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	roster := a.Roster()
	for _, fn := range fns {
		fn(roster)
	}
}

// MediaStreamFor hands out a read-only reference to a student's live stream,
// or nil. Callers attach it to a sink; they never stop its tracks.
func (a *AdminSession) MediaStreamFor(studentID string) signaling.MediaStream {
	return a.registry.Media(studentID)
}

// RequestScreenShare re-requests a student's screen after a dashboard reload:
// the admin calls the student with no outbound stream and the student answers
// with a fresh capture.
func (a *AdminSession) RequestScreenShare(ctx context.Context, studentID string) error {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	call, err := a.endpoint.Call(callCtx, studentID, nil, signaling.CallMetadata{Type: "screen-share"})
	if err != nil {
		return fmt.Errorf("call student %s: %w", studentID, err)
	}

	var deliveredMu sync.Mutex
	var delivered signaling.MediaStream
	ownsEntry := func(p *RemotePeer) bool {
		deliveredMu.Lock()
		defer deliveredMu.Unlock()
		return p.Media == delivered
	}

	call.SetHandler(signaling.CallHandler{
		OnStream: func(stream signaling.MediaStream) {
			deliveredMu.Lock()
			delivered = stream
			deliveredMu.Unlock()
			a.registry.Upsert(studentID, func(p *RemotePeer) {
				p.Media = stream
				p.Status = StatusConnected
			})
			a.notifyRoster()
		},
		OnClose: func() {
			if a.registry.EvictIf(studentID, ownsEntry) {
				a.notifyRoster()
			}
		},
		OnError: func(err error) {
			if a.registry.EvictIf(studentID, ownsEntry) {
				a.notifyRoster()
			}
		},
	})
	return nil
}

// StudentLogs fetches a student's anti-cheat history. A read-only query,
// deliberately independent of live connection handling.
func (a *AdminSession) StudentLogs(ctx context.Context, studentID string, limit int) ([]store.LogEntry, error) {
	if a.events == nil {
		return nil, nil
	}
	return a.events.ListByStudent(ctx, studentID, limit)
}

// Teardown closes every student entry and releases the admin identity. Safe
// to call multiple times.
func (a *AdminSession) Teardown() {
	a.mu.Lock()
	if a.state == AdminTerminated {
		a.mu.Unlock()
		return
	}
	a.state = AdminTerminated
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	a.mu.Unlock()

	a.registry.Clear()
	if err := a.endpoint.Close(); err != nil {
		a.logger.Warn("closing endpoint", zap.Error(err))
	}
}
