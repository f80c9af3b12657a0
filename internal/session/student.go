package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/capture"
	"github.com/proctorlink/proctorlink/internal/signaling"
	"github.com/proctorlink/proctorlink/internal/store"
	"github.com/proctorlink/proctorlink/internal/upload"
)

// StudentState is the student session's lifecycle position.
type StudentState string

const (
	StudentIdle         StudentState = "idle"
	StudentConnecting   StudentState = "connectingToServer"
	StudentAnnouncing   StudentState = "announcing"
	StudentAwaitingAck  StudentState = "awaitingAdminAck"
	StudentStreaming    StudentState = "streaming"
	StudentReconnecting StudentState = "reconnecting"
	StudentTerminated   StudentState = "terminated"
)

// StudentConfig carries everything a student session needs to join.
type StudentConfig struct {
	ExamID      string
	StudentID   string
	StudentName string
	ExamName    string

	Server    signaling.ServerConfig
	Identity  IdentityPolicy
	Reconnect ReconnectPolicy

	// AnnounceTimeout bounds the wait for the admin data connection to open,
	// so a stalled network never hangs the handshake.
	AnnounceTimeout time.Duration
	// UploadTimeout bounds the recording upload during Complete.
	UploadTimeout time.Duration
}

func (c StudentConfig) withDefaults() StudentConfig {
	if c.AnnounceTimeout == 0 {
		c.AnnounceTimeout = 15 * time.Second
	}
	if c.UploadTimeout == 0 {
		c.UploadTimeout = 30 * time.Second
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect = DefaultReconnectPolicy(RoleStudent)
	}
	if c.Identity.AdminIdentity == "" {
		c.Identity = DefaultIdentityPolicy()
	}
	return c
}

// CompletionResult is what Complete hands back to the caller. Warning is
// non-blocking: the answers were submitted even when it is set.
type CompletionResult struct {
	Submitted    bool
	RecordingURL string
	Warning      string
}

// StudentSession connects one student to the admin dashboard: it registers a
// fresh identity, announces itself over a data connection, pushes its screen
// stream, and recovers from drops via the reconnect policy. The capture
// recorder and upload pipeline run alongside without blocking signaling.
type StudentSession struct {
	cfg      StudentConfig
	endpoint *signaling.Endpoint
	source   capture.Source
	recorder *capture.Recorder
	uploads  *upload.Pipeline
	exams    store.ExamStore
	events   store.EventLog
	logger   *zap.Logger

	mu          sync.Mutex
	state       StudentState
	identity    string
	attempts    int
	adminConn   signaling.DataConn
	outCall     signaling.MediaCall
	localStream signaling.MediaStream
	status      string
	statusFns   []func(status string)
	retryTimer  *time.Timer
	ackTimer    *time.Timer
	attemptID   string
}

// NewStudentSession wires a session from its collaborators. events may be nil
// when anti-cheat logging is disabled.
func NewStudentSession(
	cfg StudentConfig,
	network signaling.Network,
	source capture.Source,
	recorder *capture.Recorder,
	uploads *upload.Pipeline,
	exams store.ExamStore,
	events store.EventLog,
	logger *zap.Logger,
) *StudentSession {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("student-session")
	return &StudentSession{
		cfg:      cfg.withDefaults(),
		endpoint: signaling.NewEndpoint(network, logger),
		source:   source,
		recorder: recorder,
		uploads:  uploads,
		exams:    exams,
		events:   events,
		logger:   logger,
		state:    StudentIdle,
	}
}

// State returns the current state.
func (s *StudentSession) State() StudentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionStatus returns the advisory status string for UI binding. Never
// authoritative for business logic.
func (s *StudentSession) ConnectionStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnStatus subscribes to advisory status updates.
func (s *StudentSession) OnStatus(fn func(status string)) {
	s.mu.Lock()
	s.statusFns = append(s.statusFns, fn)
	s.mu.Unlock()
}

func (s *StudentSession) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	fns := append([]func(string){}, s.statusFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

// Identity returns the identity currently registered, empty before Start.
func (s *StudentSession) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Start opens the session: generates a fresh identity and connects to the
// signaling server. Also begins local capture recording when a recorder is
// wired; a capture failure degrades to an exam without recording rather than
// failing the session.
func (s *StudentSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StudentIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("student session already started (state %s)", state)
	}
	s.state = StudentConnecting
	s.identity = s.cfg.Identity.NewStudentIdentity()
	if s.cfg.StudentID == "" {
		// The signaling identity doubles as the student record key.
		s.cfg.StudentID = s.identity
	}
	s.mu.Unlock()

	if s.recorder != nil {
		meta := capture.Metadata{
			ExamID:      s.cfg.ExamID,
			StudentID:   s.cfg.StudentID,
			StudentName: s.cfg.StudentName,
			ExamName:    s.cfg.ExamName,
		}
		if err := s.recorder.Start(ctx, s.source, meta); err != nil {
			s.logger.Warn("recording unavailable, continuing without it", zap.Error(err))
		}
	}

	return s.connect(ctx)
}

func (s *StudentSession) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StudentTerminated {
		s.mu.Unlock()
		return nil
	}
	identity := s.identity
	s.mu.Unlock()

	s.setStatus("Connecting to server...")
	s.endpoint.SetEvents(signaling.ConnEvents{
		OnOpen: func(string) { s.announce() },
		OnCall: func(remoteID string, call signaling.MediaCall) { s.handleAdminCall(remoteID, call) },
		OnError: func(err error) {
			// An endpoint-level error means the registration is gone; drop
			// the dead connection so the retry dials fresh.
			s.endpoint.Disconnect()
			s.handleFailure(signaling.KindOf(err), err)
		},
		OnDisconnected: func() {
			s.endpoint.Disconnect()
			s.handleFailure(signaling.KindServerUnreachable, errors.New("server link dropped"))
		},
	})

	if err := s.endpoint.Open(ctx, identity, s.cfg.Server); err != nil {
		s.handleFailure(signaling.KindOf(err), err)
		return nil
	}
	return nil
}

// announce opens the control connection to the admin identity and sends the
// student-info message once it reports open.
func (s *StudentSession) announce() {
	s.mu.Lock()
	if s.state == StudentTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StudentAnnouncing
	s.mu.Unlock()
	s.setStatus("Connecting to admin...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AnnounceTimeout)
	defer cancel()

	dc, err := s.endpoint.Dial(ctx, s.cfg.Identity.AdminIdentity)
	if err != nil {
		s.handleFailure(signaling.KindOf(err), err)
		return
	}

	s.mu.Lock()
	s.adminConn = dc
	s.state = StudentAwaitingAck
	// Bound the wait for the data channel to open.
	s.ackTimer = time.AfterFunc(s.cfg.AnnounceTimeout, func() {
		s.handleFailure(signaling.KindServerUnreachable, errors.New("admin connection open timed out"))
	})
	s.mu.Unlock()

	dc.SetHandler(signaling.DataHandler{
		OnOpen: func() { s.onAdminConnOpen(dc) },
		OnClose: func() {
			// A close of a conn the session already replaced or released is
			// not a failure.
			if s.isCurrentAdminConn(dc) {
				s.handleFailure(signaling.KindServerUnreachable, errors.New("admin connection closed"))
			}
		},
		OnError: func(err error) {
			if s.isCurrentAdminConn(dc) {
				s.handleFailure(signaling.KindOf(err), err)
			}
		},
	})
}

func (s *StudentSession) isCurrentAdminConn(dc signaling.DataConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminConn == dc
}

// onAdminConnOpen is the admin's acceptance: send student-info and push the
// screen stream. The student initiates this call itself rather than waiting
// to be polled; admin-initiated calls are unreliable for this direction
// across NAT and firewall variance.
func (s *StudentSession) onAdminConnOpen(dc signaling.DataConn) {
	s.mu.Lock()
	if s.adminConn != dc || s.state == StudentTerminated {
		s.mu.Unlock()
		return
	}
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
	identity := s.identity
	s.mu.Unlock()

	info := signaling.StudentInfo{
		Type:        signaling.StudentInfoType,
		StudentID:   identity,
		ExamID:      s.cfg.ExamID,
		StudentName: s.cfg.StudentName,
	}
	if err := dc.Send(info); err != nil {
		s.handleFailure(signaling.KindOf(err), err)
		return
	}
	s.setStatus("Connected to admin")

	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()

	s.pushStream()
}

// pushStream opens a capture stream and calls the admin with it.
func (s *StudentSession) pushStream() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AnnounceTimeout)
	defer cancel()

	stream, err := s.source.OpenStream(ctx)
	if err != nil {
		if signaling.KindOf(err) == signaling.KindPermissionDenied {
			// Not fatal to the exam flow.
			s.setStatus("Screen sharing permission denied")
			s.enterStreaming(nil, nil)
			return
		}
		s.handleFailure(signaling.KindOf(err), err)
		return
	}

	meta := signaling.CallMetadata{
		Type:        "screen-share",
		ExamID:      s.cfg.ExamID,
		StudentName: s.cfg.StudentName,
		ExamName:    s.cfg.ExamName,
	}
	call, err := s.endpoint.Call(ctx, s.cfg.Identity.AdminIdentity, stream, meta)
	if err != nil {
		signaling.StopTracks(stream)
		s.handleFailure(signaling.KindOf(err), err)
		return
	}
	call.SetHandler(signaling.CallHandler{
		OnClose: func() { s.setStatus("Screen sharing ended by admin") },
		OnError: func(error) { s.setStatus("Screen sharing error") },
	})

	s.enterStreaming(stream, call)
	s.setStatus("Screen sharing active")
}

func (s *StudentSession) enterStreaming(stream signaling.MediaStream, call signaling.MediaCall) {
	s.mu.Lock()
	if s.state == StudentTerminated {
		s.mu.Unlock()
		signaling.StopTracks(stream)
		if call != nil {
			_ = call.Close()
		}
		return
	}
	old := s.localStream
	s.localStream = stream
	s.outCall = call
	s.state = StudentStreaming
	s.mu.Unlock()

	if old != nil && old != stream {
		signaling.StopTracks(old)
	}
}

// handleAdminCall answers an admin-initiated re-request of the screen share
// (for example after the dashboard reloads) with a fresh capture, replacing
// any existing local stream.
func (s *StudentSession) handleAdminCall(remoteID string, call signaling.MediaCall) {
	if remoteID != s.cfg.Identity.AdminIdentity {
		s.logger.Warn("ignoring call from unexpected identity", zap.String("remote_id", remoteID))
		_ = call.Close()
		return
	}
	s.setStatus("Admin requested screen sharing...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AnnounceTimeout)
	defer cancel()

	stream, err := s.source.OpenStream(ctx)
	if err != nil {
		// A refused grant closes the call rather than leaving it half-open.
		_ = call.Close()
		if signaling.KindOf(err) == signaling.KindPermissionDenied {
			s.setStatus("Screen sharing permission denied")
		} else {
			s.setStatus("Failed to access screen")
		}
		return
	}

	if err := call.Answer(stream); err != nil {
		signaling.StopTracks(stream)
		_ = call.Close()
		s.setStatus("Failed to start screen sharing")
		return
	}
	call.SetHandler(signaling.CallHandler{
		OnClose: func() { s.setStatus("Screen sharing ended by admin") },
		OnError: func(error) { s.setStatus("Screen sharing error") },
	})

	s.mu.Lock()
	old := s.localStream
	s.localStream = stream
	s.mu.Unlock()
	if old != nil {
		signaling.StopTracks(old)
	}
	s.setStatus("Screen sharing active")
}

// handleFailure drives the reconnect policy. Transient failures back off and
// retry; identity conflicts regenerate the identity; exhausted retries surface
// a terminal refresh message.
func (s *StudentSession) handleFailure(kind signaling.ErrorKind, cause error) {
	s.mu.Lock()
	if s.state == StudentTerminated || s.retryTimer != nil {
		s.mu.Unlock()
		return
	}
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
	s.attempts++
	attempt := s.attempts
	s.state = StudentReconnecting
	s.mu.Unlock()

	s.logger.Warn("connection failure",
		zap.String("kind", kind.String()),
		zap.Int("attempt", attempt),
		zap.Error(cause))

	decision := s.cfg.Reconnect.Decide(attempt, kind)
	switch decision.Action {
	case ActionGiveUp:
		s.setStatus("Failed to connect after multiple attempts. Please refresh the page.")
		s.mu.Lock()
		s.state = StudentTerminated
		s.mu.Unlock()
		// A permanently failed session releases its capture and transport the
		// same way Teardown does; nothing may keep the screen grant alive.
		s.releaseResources()
		return
	case ActionRegenerate:
		s.mu.Lock()
		s.attempts = 0
		s.identity = s.cfg.Identity.NewStudentIdentity()
		s.mu.Unlock()
		s.setStatus("ID conflict. Reconnecting...")
	default:
		s.setStatus("Disconnected. Reconnecting...")
	}

	s.mu.Lock()
	s.retryTimer = time.AfterFunc(decision.Delay, func() {
		s.mu.Lock()
		s.retryTimer = nil
		terminated := s.state == StudentTerminated
		s.mu.Unlock()
		if terminated {
			return
		}
		s.reconnect()
	})
	s.mu.Unlock()
}

// reconnect re-enters the handshake. When only the data connection dropped
// and the endpoint is still registered, it goes straight back to announcing;
// otherwise it reopens the endpoint from scratch.
func (s *StudentSession) reconnect() {
	s.mu.Lock()
	identity := s.identity
	s.state = StudentConnecting
	old := s.adminConn
	s.adminConn = nil
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if s.endpoint.Identity() == identity {
		s.announce()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AnnounceTimeout)
	defer cancel()
	_ = s.connect(ctx)
}

// ReportEvent appends an anti-cheat event, best effort: failures are logged
// once and never propagate into the exam flow.
func (s *StudentSession) ReportEvent(eventType, details string) {
	if s.events == nil {
		return
	}
	s.mu.Lock()
	attemptID := s.attemptID
	s.mu.Unlock()

	entry := store.LogEntry{
		ExamAttemptID: attemptID,
		StudentID:     s.cfg.StudentID,
		EventType:     eventType,
		Details:       details,
		Timestamp:     time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.events.Insert(ctx, entry); err != nil {
			s.logger.Warn("failed to persist session log",
				zap.String("event_type", eventType), zap.Error(err))
		}
	}()
}

// SetAttemptID records the attempt id once known, for event attribution.
func (s *StudentSession) SetAttemptID(id string) {
	s.mu.Lock()
	s.attemptID = id
	s.mu.Unlock()
}

// Complete finishes the exam: it stops the recording, uploads and reconciles
// the artifact within a bounded window, then submits the answers regardless
// of the upload outcome. Upload failure comes back as a warning on the
// result, never as a submission failure.
func (s *StudentSession) Complete(ctx context.Context, answers json.RawMessage) (*CompletionResult, error) {
	result := &CompletionResult{}

	if s.recorder != nil && s.recorder.State() == capture.StateRecording {
		artifact, err := s.recorder.Stop()
		if err != nil {
			result.Warning = "Recording could not be finalized."
			s.logger.Warn("recorder stop failed", zap.Error(err))
		} else if s.uploads != nil {
			uploadCtx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
			res, err := s.uploads.Upload(uploadCtx, artifact)
			cancel()
			if err != nil {
				result.Warning = "Warning: Could not save recording. Your answers have been submitted, but please inform your instructor."
				s.logger.Warn("recording upload failed", zap.Error(err))
			} else {
				result.RecordingURL = res.URL
				if err := s.uploads.Reconcile(ctx, artifactMeta(s.cfg), res.URL); err != nil {
					result.Warning = "Warning: Exam submitted but recording URL could not be saved. Please inform your instructor."
					s.logger.Warn("recording reconciliation failed", zap.Error(err))
				}
			}
		}
	}

	// Answers are submitted independently of recording outcome.
	if err := s.submitAnswers(ctx, answers, result.RecordingURL); err != nil {
		return result, fmt.Errorf("submit answers: %w", err)
	}
	result.Submitted = true

	s.Teardown()
	return result, nil
}

func artifactMeta(cfg StudentConfig) capture.Metadata {
	return capture.Metadata{
		ExamID:      cfg.ExamID,
		StudentID:   cfg.StudentID,
		StudentName: cfg.StudentName,
		ExamName:    cfg.ExamName,
	}
}

func (s *StudentSession) submitAnswers(ctx context.Context, answers json.RawMessage, recordingURL string) error {
	fields := map[string]any{
		"answers":      answers,
		"submitted_at": time.Now(),
		"completed_at": time.Now(),
	}
	if recordingURL != "" {
		fields["recording_url"] = recordingURL
	}

	attempt, err := s.exams.GetLatestAttempt(ctx, s.cfg.ExamID, s.cfg.StudentID)
	if err != nil {
		return err
	}
	if attempt != nil {
		rows, err := s.exams.UpdateAttempt(ctx, attempt.ID, fields)
		if err == nil && rows > 0 {
			return nil
		}
		if err != nil {
			s.logger.Warn("attempt update failed, inserting instead", zap.Error(err))
		}
	}

	now := time.Now()
	row := &store.Attempt{
		ExamID:      s.cfg.ExamID,
		StudentID:   s.cfg.StudentID,
		Answers:     answers,
		StartedAt:   now,
		SubmittedAt: &now,
		CompletedAt: &now,
	}
	if recordingURL != "" {
		row.RecordingURL = &recordingURL
	}
	_, err = s.exams.InsertAttempt(ctx, row)
	return err
}

// Teardown closes the session synchronously: owned media tracks stop
// immediately without waiting on network acknowledgment, then the signaling
// endpoint is released. Safe to call multiple times.
func (s *StudentSession) Teardown() {
	s.mu.Lock()
	if s.state == StudentTerminated {
		s.mu.Unlock()
		// The give-up path terminates and releases on its own; releasing
		// again here keeps a later UI-driven Teardown harmless either way.
		s.releaseResources()
		return
	}
	s.state = StudentTerminated
	s.mu.Unlock()

	s.releaseResources()
	s.setStatus("Session ended")
}

// releaseResources stops owned media tracks synchronously and closes the
// control connection, call, and endpoint. Idempotent; callers have already
// made the state terminal.
func (s *StudentSession) releaseResources() {
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
	stream := s.localStream
	s.localStream = nil
	call := s.outCall
	s.outCall = nil
	dc := s.adminConn
	s.adminConn = nil
	s.mu.Unlock()

	signaling.StopTracks(stream)
	if call != nil {
		_ = call.Close()
	}
	if dc != nil {
		_ = dc.Close()
	}
	if err := s.endpoint.Close(); err != nil {
		s.logger.Warn("closing endpoint", zap.Error(err))
	}
}
