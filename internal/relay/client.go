package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/signaling"
)

// ClientHandlers receives relay traffic on the client side. Handlers run on
// the client's read goroutine and must not block.
type ClientHandlers struct {
	// OnEnvelope fires for every relayed frame addressed to this identity.
	OnEnvelope func(env signaling.Envelope)
	// OnClose fires once when the server link drops, with the causing error.
	OnClose func(err error)
}

// Client holds one registered identity on the relay server.
type Client struct {
	conn     *websocket.Conn
	identity string
	handlers ClientHandlers
	logger   *zap.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// DialRelay connects to the relay server, claims identity, and waits for the
// server's verdict. An identity conflict surfaces as a typed error with
// KindIdentityTaken so callers can regenerate and retry.
func DialRelay(ctx context.Context, url, identity string, h ClientHandlers, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("relay-client")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, signaling.Errorf("dial", signaling.KindServerUnreachable, "dial %s: %w", url, err)
	}

	payload, err := json.Marshal(signaling.RegisterPayload{Identity: identity})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marshal register payload: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(signaling.Envelope{
		Type:    signaling.TypeRegister,
		Payload: payload,
	}); err != nil {
		conn.Close()
		return nil, signaling.Errorf("register", signaling.KindServerUnreachable, "send register frame: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(writeWait))
	}
	var verdict signaling.Envelope
	if err := conn.ReadJSON(&verdict); err != nil {
		conn.Close()
		return nil, signaling.Errorf("register", signaling.KindServerUnreachable, "await verdict: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch verdict.Type {
	case signaling.TypeOpen:
	case signaling.TypeIDTaken:
		conn.Close()
		return nil, signaling.Errorf("register", signaling.KindIdentityTaken,
			"identity %q is held by another session", identity)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected registration verdict %q", verdict.Type)
	}

	c := &Client{
		conn:     conn,
		identity: identity,
		handlers: h,
		logger:   logger,
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	logger.Info("registered on relay",
		zap.String("identity", identity), zap.String("url", url))
	return c, nil
}

// Identity returns the identity this client registered.
func (c *Client) Identity() string { return c.identity }

// Send delivers env to the relay. The server stamps the From field.
func (c *Client) Send(env signaling.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return signaling.Errorf("send", signaling.KindServerUnreachable, "relay link closed")
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		return signaling.Errorf("send", signaling.KindServerUnreachable, "write envelope: %w", err)
	}
	return nil
}

// readLoop dispatches inbound frames until the link drops. Reading also
// services the server's pings through gorilla's default ping handler.
func (c *Client) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	for {
		var env signaling.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.finish(err)
			return
		}
		if c.handlers.OnEnvelope != nil {
			c.handlers.OnEnvelope(env)
		}
	}
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(err)
		}
	})
}

// Close releases the identity. Idempotent; OnClose does not fire for a local
// Close.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}
