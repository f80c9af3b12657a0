package signaling

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Endpoint owns exactly one registered identity on the signaling network and
// normalizes the library's event surface for the session state machines. It
// never holds two live underlying connections at once: reopening under a
// different identity fully closes the previous connection first.
type Endpoint struct {
	network Network
	logger  *zap.Logger

	mu       sync.Mutex
	conn     Conn
	identity string
	closed   bool
	events   ConnEvents
}

// NewEndpoint wraps network with a single-identity endpoint.
func NewEndpoint(network Network, logger *zap.Logger) *Endpoint {
	if logger == nil {
		logger = zap.L()
	}
	return &Endpoint{
		network: network,
		logger:  logger.Named("endpoint"),
	}
}

// SetEvents registers the event callbacks. Must be called before Open;
// handlers registered later only apply to subsequent Opens.
func (e *Endpoint) SetEvents(events ConnEvents) {
	e.mu.Lock()
	e.events = events
	e.mu.Unlock()
}

// Open registers identity on the network. Opening the endpoint again with the
// identity it already holds is a no-op; opening with a different identity
// closes the previous connection first.
func (e *Endpoint) Open(ctx context.Context, identity string, cfg ServerConfig) error {
	e.mu.Lock()
	if e.conn != nil {
		if e.identity == identity {
			e.mu.Unlock()
			return nil
		}
		old := e.conn
		e.conn = nil
		e.identity = ""
		e.mu.Unlock()
		if err := old.Close(); err != nil {
			e.logger.Warn("closing previous connection", zap.Error(err))
		}
		e.mu.Lock()
	}
	events := e.events
	e.closed = false
	e.mu.Unlock()

	// The library may fire OnOpen while Connect is still in flight. Hold that
	// delivery until the connection is stored, so an OnOpen handler can Dial
	// or Call through this endpoint immediately.
	var gateMu sync.Mutex
	ready := false
	var pending []string
	userOnOpen := events.OnOpen
	events.OnOpen = func(localID string) {
		gateMu.Lock()
		if !ready {
			pending = append(pending, localID)
			gateMu.Unlock()
			return
		}
		gateMu.Unlock()
		if userOnOpen != nil {
			userOnOpen(localID)
		}
	}

	conn, err := e.network.Connect(ctx, identity, cfg, events)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		// Close raced the connect; do not resurrect.
		e.mu.Unlock()
		_ = conn.Close()
		return Errorf("open", KindUnknown, "endpoint closed during connect")
	}
	e.conn = conn
	e.identity = identity
	e.mu.Unlock()
	e.logger.Info("signaling connection open", zap.String("identity", identity))

	gateMu.Lock()
	ready = true
	held := pending
	pending = nil
	gateMu.Unlock()
	if userOnOpen != nil {
		for _, id := range held {
			userOnOpen(id)
		}
	}
	return nil
}

// Identity returns the identity currently held, or "" when closed.
func (e *Endpoint) Identity() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// Dial opens an outbound data connection through the current registration.
func (e *Endpoint) Dial(ctx context.Context, remoteID string) (DataConn, error) {
	conn, err := e.current("dial")
	if err != nil {
		return nil, err
	}
	return conn.Dial(ctx, remoteID)
}

// Call starts an outbound media call through the current registration.
func (e *Endpoint) Call(ctx context.Context, remoteID string, stream MediaStream, meta CallMetadata) (MediaCall, error) {
	conn, err := e.current("call")
	if err != nil {
		return nil, err
	}
	return conn.Call(ctx, remoteID, stream, meta)
}

// Disconnect drops the underlying connection but keeps the registered event
// handlers, so a subsequent Open dials fresh instead of treating the dead
// transport as still registered. Sessions call this when the server link
// itself fails. A disconnected endpoint reports an empty Identity.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.identity = ""
	e.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			e.logger.Warn("closing dead connection", zap.Error(err))
		}
	}
}

// Close releases the underlying connection and drops the registered event
// handlers. Safe to call multiple times.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.identity = ""
	e.closed = true
	e.events = ConnEvents{}
	e.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (e *Endpoint) current(op string) (Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, Errorf(op, KindUnknown, "endpoint not open")
	}
	return e.conn, nil
}
