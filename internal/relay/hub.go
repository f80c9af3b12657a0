package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/signaling"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP offers with many candidates
	// stay well under this.
	maxMessageSize = 64 * 1024
)

// session is one registered websocket connection on the server side.
type session struct {
	hub      *Hub
	conn     *websocket.Conn
	identity string
	send     chan *signaling.Envelope
}

// frame pairs an inbound envelope with the session it arrived on, so the hub
// can stamp the sender identity before relaying.
type frame struct {
	env  *signaling.Envelope
	from *session
}

// Hub routes envelopes between registered identities. All identity-map state
// is confined to the Run goroutine; sessions talk to it over channels.
type Hub struct {
	logger *zap.Logger

	sessions map[string]*session

	register   chan *session
	unregister chan *session
	forward    chan *frame
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.L()
	}
	return &Hub{
		logger:     logger.Named("hub"),
		sessions:   make(map[string]*session),
		register:   make(chan *session),
		unregister: make(chan *session),
		forward:    make(chan *frame),
	}
}

// Run processes registration and relay traffic until ctx is canceled. It is
// the only goroutine that touches the identity map.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for id, s := range h.sessions {
				close(s.send)
				delete(h.sessions, id)
			}
			return

		case s := <-h.register:
			if _, taken := h.sessions[s.identity]; taken {
				h.logger.Warn("identity already registered",
					zap.String("identity", s.identity))
				s.send <- &signaling.Envelope{Type: signaling.TypeIDTaken, To: s.identity}
				close(s.send)
				continue
			}
			h.sessions[s.identity] = s
			s.send <- &signaling.Envelope{Type: signaling.TypeOpen, To: s.identity}
			h.logger.Info("identity registered",
				zap.String("identity", s.identity),
				zap.Int("total", len(h.sessions)))

		case s := <-h.unregister:
			// Only the current holder of the identity may release it; a
			// rejected duplicate must not evict the live session.
			if cur, ok := h.sessions[s.identity]; ok && cur == s {
				delete(h.sessions, s.identity)
				close(s.send)
				h.logger.Info("identity released",
					zap.String("identity", s.identity),
					zap.Int("total", len(h.sessions)))
			}

		case f := <-h.forward:
			f.env.From = f.from.identity
			target, ok := h.sessions[f.env.To]
			if !ok {
				h.logger.Debug("relay target unknown",
					zap.String("from", f.from.identity),
					zap.String("to", f.env.To),
					zap.String("type", f.env.Type))
				// Same non-blocking rule as delivery below: a sender with a
				// wedged write pump must not stall the hub.
				select {
				case f.from.send <- &signaling.Envelope{Type: signaling.TypeExpire, To: f.env.To}:
				default:
					h.logger.Warn("dropping expire for slow session",
						zap.String("to", f.from.identity))
				}
				continue
			}
			select {
			case target.send <- f.env:
			default:
				// Target's write pump is wedged; drop the frame rather than
				// stall the whole hub.
				h.logger.Warn("dropping frame for slow session",
					zap.String("to", f.env.To),
					zap.String("type", f.env.Type))
			}
		}
	}
}

// readPump pumps envelopes from the websocket into the hub. At most one
// reader per connection.
func (s *session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env signaling.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("read error",
					zap.String("identity", s.identity), zap.Error(err))
			}
			return
		}
		if env.To == "" {
			continue
		}
		s.hub.forward <- &frame{env: &env, from: s}
	}
}

// writePump pumps envelopes from the hub to the websocket and keeps the
// connection alive with pings. At most one writer per connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readRegistration reads and validates the mandatory first frame.
func readRegistration(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(writeWait))
	var env signaling.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return "", err
	}
	conn.SetReadDeadline(time.Time{})
	if env.Type != signaling.TypeRegister {
		return "", errUnexpectedFrame
	}
	var reg signaling.RegisterPayload
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		return "", err
	}
	if reg.Identity == "" {
		return "", errEmptyIdentity
	}
	return reg.Identity, nil
}
