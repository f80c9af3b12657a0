package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/signaling"
)

var (
	errUnexpectedFrame = errors.New("first frame must be a register envelope")
	errEmptyIdentity   = errors.New("register frame carries no identity")
)

// sendBuffer sizes each session's outbound queue. Signaling traffic is tiny;
// the buffer only absorbs negotiation bursts.
const sendBuffer = 16

// ServerConfig configures the relay server.
type ServerConfig struct {
	Addr string
	// Path is the websocket endpoint path, "/ws" when empty.
	Path string
	// CheckOrigin permits all origins when nil. Exam clients connect from
	// arbitrary school networks, so the default is permissive.
	CheckOrigin func(r *http.Request) bool

	ShutdownTimeout time.Duration
}

// Server is the rendezvous server: it upgrades websocket connections, holds
// the identity registry, and relays envelopes between peers.
type Server struct {
	cfg      ServerConfig
	hub      *Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	cancel   context.CancelFunc
}

func NewServer(cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("relay")
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		cfg:    cfg,
		hub:    NewHub(logger),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Handler starts the hub (stopped when ctx is canceled) and returns the HTTP
// handler, for embedding the relay into an existing server.
func (s *Server) Handler(ctx context.Context) http.Handler {
	go s.hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start runs the hub and the HTTP listener. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(ctx),
	}
	s.logger.Info("relay server listening",
		zap.String("addr", s.cfg.Addr), zap.String("path", s.cfg.Path))

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and tears down the hub.
func (s *Server) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	identity, err := readRegistration(conn)
	if err != nil {
		s.logger.Warn("registration failed",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		conn.Close()
		return
	}

	sess := &session{
		hub:      s.hub,
		conn:     conn,
		identity: identity,
		send:     make(chan *signaling.Envelope, sendBuffer),
	}
	s.hub.register <- sess

	go sess.writePump()
	go sess.readPump()
}
