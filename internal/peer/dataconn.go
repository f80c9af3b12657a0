package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/proctorlink/proctorlink/internal/signaling"
)

// dataConn adapts a negotiated data channel to the signaling.DataConn
// surface. Handler callbacks arriving before SetHandler are remembered and
// replayed, so callers never miss the open edge.
type dataConn struct {
	link *link
	ch   *webrtc.DataChannel

	mu         sync.Mutex
	handler    signaling.DataHandler
	opened     bool
	closedSent bool
}

func newDataConn(l *link, ch *webrtc.DataChannel) *dataConn {
	dc := &dataConn{link: l, ch: ch}

	ch.OnOpen(func() {
		dc.mu.Lock()
		dc.opened = true
		onOpen := dc.handler.OnOpen
		dc.mu.Unlock()
		if onOpen != nil {
			onOpen()
		}
	})
	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		dc.mu.Lock()
		onData := dc.handler.OnData
		dc.mu.Unlock()
		if onData != nil {
			onData(msg.Data)
		}
	})
	ch.OnClose(func() {
		l.close(false)
	})
	return dc
}

func (dc *dataConn) RemoteID() string { return dc.link.remoteID }

func (dc *dataConn) SetHandler(h signaling.DataHandler) {
	dc.mu.Lock()
	dc.handler = h
	replayOpen := dc.opened && h.OnOpen != nil
	dc.mu.Unlock()
	if replayOpen {
		h.OnOpen()
	}
}

// Send marshals v as JSON and delivers it as a text frame.
func (dc *dataConn) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := dc.ch.SendText(string(payload)); err != nil {
		return fmt.Errorf("send on data channel: %w", err)
	}
	return nil
}

func (dc *dataConn) Close() error {
	dc.link.close(true)
	return nil
}

func (dc *dataConn) notifyClosed() {
	dc.mu.Lock()
	if dc.closedSent {
		dc.mu.Unlock()
		return
	}
	dc.closedSent = true
	onClose := dc.handler.OnClose
	dc.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

func (dc *dataConn) notifyError(err error) {
	dc.mu.Lock()
	onError := dc.handler.OnError
	dc.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}
