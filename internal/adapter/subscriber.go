package adapter

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/apex/log"
	"github.com/gorilla/websocket"

	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/protocol"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/realtime"
)

// WebsocketSubscriber opens the realtime relay's websocket endpoint.
type WebsocketSubscriber struct {
	url    string
	dialer *websocket.Dialer
}

// NewWebsocketSubscriber takes the relay endpoint, e.g. "ws://host:8081/realtime".
func NewWebsocketSubscriber(endpoint string) *WebsocketSubscriber {
	return &WebsocketSubscriber{url: endpoint, dialer: websocket.DefaultDialer}
}

func (s *WebsocketSubscriber) Subscribe(ctx context.Context, peer protocol.PeerID) (Subscription, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url+"?peer="+url.QueryEscape(string(peer)), nil)
	if err != nil {
		return nil, err
	}

	sub := &wsSubscription{conn: conn, frames: make(chan realtime.Frame, 16)}
	go sub.run()
	return sub, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	frames chan realtime.Frame
}

func (s *wsSubscription) Frames() <-chan realtime.Frame { return s.frames }

func (s *wsSubscription) Close() error { return s.conn.Close() }

func (s *wsSubscription) run() {
	defer close(s.frames)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame realtime.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.WithError(err).Warn("dropping malformed realtime frame")
			continue
		}
		s.frames <- frame
	}
}
