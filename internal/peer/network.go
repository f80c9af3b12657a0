// Package peer implements the signaling.Network boundary on top of
// pion/webrtc, using the relay server for rendezvous and SDP exchange.
package peer

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/relay"
	"github.com/proctorlink/proctorlink/internal/signaling"
)

// Network builds relay-backed connections. It is stateless; all per-identity
// state lives on the Conn it returns.
type Network struct {
	logger *zap.Logger
}

func NewNetwork(logger *zap.Logger) *Network {
	if logger == nil {
		logger = zap.L()
	}
	return &Network{logger: logger.Named("peer")}
}

// Connect registers identity on the relay and returns a live connection.
func (n *Network) Connect(ctx context.Context, identity string, cfg signaling.ServerConfig, events signaling.ConnEvents) (signaling.Conn, error) {
	api, rtcConfig, err := buildAPI(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure webrtc: %w", err)
	}

	c := &Conn{
		logger:    n.logger.With(zap.String("identity", identity)),
		localID:   identity,
		events:    events,
		api:       api,
		rtcConfig: rtcConfig,
		links:     make(map[string]*link),
	}

	client, err := relay.DialRelay(ctx, cfg.URL, identity, relay.ClientHandlers{
		OnEnvelope: c.handleEnvelope,
		OnClose: func(err error) {
			c.handleRelayClosed(err)
		},
	}, n.logger)
	if err != nil {
		if events.OnError != nil && signaling.KindOf(err) != signaling.KindUnknown {
			events.OnError(err)
		}
		return nil, err
	}
	c.client = client

	if events.OnOpen != nil {
		events.OnOpen(identity)
	}
	return c, nil
}

// buildAPI assembles the pion API the way the negotiation needs it: default
// codecs, STUN servers from the session config.
func buildAPI(cfg signaling.ServerConfig) (*webrtc.API, webrtc.Configuration, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, webrtc.Configuration{}, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	stun := cfg.STUNServers
	if len(stun) == 0 {
		stun = []string{"stun:stun.l.google.com:19302"}
	}
	rtcConfig := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stun}},
	}
	return api, rtcConfig, nil
}
