package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/signaling"
)

// startRelay brings up a relay on an ephemeral port and returns its ws URL.
func startRelay(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ServerConfig{}, zap.NewNop())
	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url, identity string, h ClientHandlers) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialRelay(ctx, url, identity, h, zap.NewNop())
	if err != nil {
		t.Fatalf("DialRelay(%q): %v", identity, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func awaitEnvelope(t *testing.T, ch <-chan signaling.Envelope) signaling.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return signaling.Envelope{}
	}
}

func TestRelay_ForwardStampsSender(t *testing.T) {
	url := startRelay(t)

	got := make(chan signaling.Envelope, 1)
	dial(t, url, "admin-dashboard", ClientHandlers{
		OnEnvelope: func(env signaling.Envelope) { got <- env },
	})
	student := dial(t, url, "student-1", ClientHandlers{})

	payload, _ := json.Marshal(signaling.OfferPayload{SDP: "v=0", ConnID: "c1", Kind: "data"})
	err := student.Send(signaling.Envelope{
		Type: signaling.TypeOffer,
		// From deliberately forged; the server must overwrite it.
		From:    "someone-else",
		To:      "admin-dashboard",
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	env := awaitEnvelope(t, got)
	if env.Type != signaling.TypeOffer {
		t.Fatalf("type = %q, want %q", env.Type, signaling.TypeOffer)
	}
	if env.From != "student-1" {
		t.Errorf("From = %q, want the registered sender identity", env.From)
	}
	var offer signaling.OfferPayload
	if err := json.Unmarshal(env.Payload, &offer); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if offer.ConnID != "c1" {
		t.Errorf("payload ConnID = %q, want %q", offer.ConnID, "c1")
	}
}

func TestRelay_DuplicateIdentityRejected(t *testing.T) {
	url := startRelay(t)

	got := make(chan signaling.Envelope, 1)
	dial(t, url, "admin-dashboard", ClientHandlers{
		OnEnvelope: func(env signaling.Envelope) { got <- env },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := DialRelay(ctx, url, "admin-dashboard", ClientHandlers{}, zap.NewNop())
	if err == nil {
		t.Fatal("second registration of a live identity succeeded")
	}
	if kind := signaling.KindOf(err); kind != signaling.KindIdentityTaken {
		t.Fatalf("error kind = %v, want KindIdentityTaken (err: %v)", kind, err)
	}

	// The rejection must not evict the live holder.
	third := dial(t, url, "student-9", ClientHandlers{})
	if err := third.Send(signaling.Envelope{Type: signaling.TypeHangup, To: "admin-dashboard"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if env := awaitEnvelope(t, got); env.Type != signaling.TypeHangup {
		t.Fatalf("type = %q, want %q", env.Type, signaling.TypeHangup)
	}
}

func TestRelay_UnknownTargetExpires(t *testing.T) {
	url := startRelay(t)

	got := make(chan signaling.Envelope, 1)
	c := dial(t, url, "student-1", ClientHandlers{
		OnEnvelope: func(env signaling.Envelope) { got <- env },
	})

	if err := c.Send(signaling.Envelope{Type: signaling.TypeCandidate, To: "nobody-home"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	env := awaitEnvelope(t, got)
	if env.Type != signaling.TypeExpire {
		t.Fatalf("type = %q, want %q", env.Type, signaling.TypeExpire)
	}
	if env.To != "nobody-home" {
		t.Errorf("To = %q, want the missing target's identity", env.To)
	}
}

func TestRelay_CloseReleasesIdentity(t *testing.T) {
	url := startRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := DialRelay(ctx, url, "student-1", ClientHandlers{}, zap.NewNop())
	if err != nil {
		t.Fatalf("DialRelay: %v", err)
	}
	first.Close()

	// Unregistration is asynchronous relative to the close frame, so give the
	// hub a moment to notice before the identity becomes claimable again.
	deadline := time.Now().Add(2 * time.Second)
	for {
		dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
		second, err := DialRelay(dctx, url, "student-1", ClientHandlers{}, zap.NewNop())
		dcancel()
		if err == nil {
			second.Close()
			return
		}
		if signaling.KindOf(err) != signaling.KindIdentityTaken || time.Now().After(deadline) {
			t.Fatalf("re-registering a released identity: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_WedgedSenderCannotStallForwarding(t *testing.T) {
	h := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	wedged := &session{hub: h, identity: "student-1", send: make(chan *signaling.Envelope, 1)}
	h.register <- wedged
	if env := <-wedged.send; env.Type != signaling.TypeOpen {
		t.Fatalf("verdict = %q, want %q", env.Type, signaling.TypeOpen)
	}
	// Fill the queue; nothing drains it, so the expire reply cannot land.
	wedged.send <- &signaling.Envelope{Type: signaling.TypeHangup}

	h.forward <- &frame{
		env:  &signaling.Envelope{Type: signaling.TypeCandidate, To: "nobody-home"},
		from: wedged,
	}

	// If the hub parked on the wedged reply it can no longer register
	// sessions or route frames.
	registered := make(chan *session, 1)
	go func() {
		s := &session{hub: h, identity: "admin-dashboard", send: make(chan *signaling.Envelope, 4)}
		h.register <- s
		registered <- s
	}()
	var healthy *session
	select {
	case healthy = <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("hub stalled after replying to a wedged sender")
	}
	if env := <-healthy.send; env.Type != signaling.TypeOpen {
		t.Fatalf("verdict = %q, want %q", env.Type, signaling.TypeOpen)
	}

	h.forward <- &frame{
		env:  &signaling.Envelope{Type: signaling.TypeHangup, To: "admin-dashboard"},
		from: wedged,
	}
	select {
	case env := <-healthy.send:
		if env.From != "student-1" {
			t.Errorf("From = %q, want the sender identity", env.From)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame to a healthy session was not delivered")
	}
}

func TestRelay_SendAfterCloseFails(t *testing.T) {
	url := startRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialRelay(ctx, url, "student-1", ClientHandlers{}, zap.NewNop())
	if err != nil {
		t.Fatalf("DialRelay: %v", err)
	}
	c.Close()

	if err := c.Send(signaling.Envelope{Type: signaling.TypeHangup, To: "x"}); err == nil {
		t.Fatal("Send on a closed client succeeded")
	}
}
