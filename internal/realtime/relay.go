package realtime

import (
	"encoding/json"
	"net/http"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay upgrades subscribers to a websocket, confirms the subscription, and
// forwards document change events not authored by the subscribing peer.
type Relay struct {
	rdb *redis.Client
}

func NewRelay(rdb *redis.Client) *Relay {
	return &Relay{rdb: rdb}
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer := protocol.PeerID(r.URL.Query().Get("peer"))
	logger := log.WithField("peer", string(peer))

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer ws.Close()

	pubsub := rl.rdb.Subscribe(r.Context(), Channel)
	defer pubsub.Close()

	if err := writeFrame(ws, Frame{Type: FrameSubscribed}); err != nil {
		return
	}
	logger.Info("peer subscribed to document updates")

	// Forward change events until the subscription or the socket drops.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.WithError(err).Warn("dropping malformed change event")
				continue
			}
			if !shouldForward(ev, peer) {
				continue
			}
			if err := writeFrame(ws, Frame{Type: FrameChange, Event: &ev}); err != nil {
				logger.WithError(err).Info("subscriber gone, closing relay")
				return
			}
		}
	}()

	// The read loop only exists to observe the client closing.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	pubsub.Close()
	<-done
	logger.Info("peer unsubscribed")
}

func writeFrame(ws *websocket.Conn, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, payload)
}
