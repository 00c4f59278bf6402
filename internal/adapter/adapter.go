// Package adapter is the client side of the sync service: one logical
// connection managing subscription lifecycle, outbound deduplication,
// queuing while busy, and reconnection.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"

	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/protocol"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/realtime"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"

	// floodLimit bounds the per-channel history of recent outbound payloads.
	// Filling it with consecutive duplicates means a stuck sync loop.
	floodLimit = 10

	reconnectDelay = 3 * time.Second
)

// Local protocol failures, raised before any network interaction.
var (
	ErrEmptyMessage = errors.New("tried to send a zero-length message")
	ErrNoPeerID     = errors.New("no peer ID assigned yet")
)

// Transport issues one request/response RPC against the sync service.
type Transport interface {
	Invoke(ctx context.Context, action string, contentType string, body []byte) ([]byte, error)
}

// Subscription delivers realtime frames until the connection drops, at which
// point the frame channel is closed.
type Subscription interface {
	Frames() <-chan realtime.Frame
	Close() error
}

// Subscriber opens the change-notification feed for a peer.
type Subscriber interface {
	Subscribe(ctx context.Context, peer protocol.PeerID) (Subscription, error)
}

// Events are the adapter's callbacks into the local repo layer. Nil handlers
// are skipped. Handlers run on the adapter's goroutines and must not block.
type Events struct {
	PeerCandidate    func(peer protocol.PeerID, channel protocol.ChannelID)
	PeerDisconnected func(peer protocol.PeerID)
	Message          func(msg protocol.Message)
}

type connectRequest struct {
	SenderID  protocol.PeerID    `json:"senderId"`
	ChannelID protocol.ChannelID `json:"channelId"`
}

type pullRequest struct {
	SenderID  protocol.PeerID    `json:"senderId"`
	ChannelID protocol.ChannelID `json:"channelId"`
	TargetID  protocol.PeerID    `json:"targetId"`
}

// Adapter is a client-side state machine over one logical connection. The
// syncing flag is the sole concurrency gate: at most one sync round-trip is
// outstanding, everything arriving meanwhile queues FIFO.
type Adapter struct {
	transport  Transport
	subscriber Subscriber
	events     Events
	delay      backoff.BackOff

	mu             sync.Mutex
	peerID         protocol.PeerID
	channelID      protocol.ChannelID
	connected      bool
	syncing        bool
	subscribedOnce bool
	queue          []protocol.Message
	lastMessages   map[protocol.ChannelID][][]byte
	reconnect      *time.Timer
	sub            Subscription
}

func New(transport Transport, subscriber Subscriber, events Events) *Adapter {
	return &Adapter{
		transport:    transport,
		subscriber:   subscriber,
		events:       events,
		delay:        backoff.NewConstantBackOff(reconnectDelay),
		lastMessages: map[protocol.ChannelID][][]byte{},
	}
}

// Connect opens the change-notification subscription for this peer. The
// connected state is entered once the subscription is confirmed; on a
// reconnection the previously active channel is re-joined.
func (a *Adapter) Connect(ctx context.Context, peerID protocol.PeerID) {
	a.mu.Lock()
	a.peerID = peerID
	a.mu.Unlock()

	sub, err := a.subscriber.Subscribe(ctx, peerID)
	if err != nil {
		log.WithError(err).Warn("subscription failed")
		a.emitDisconnected()
		return
	}

	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()

	go a.consume(ctx, sub)
}

// Join records the active channel and performs the connect handshake.
func (a *Adapter) Join(ctx context.Context, channelID protocol.ChannelID) error {
	a.mu.Lock()
	a.channelID = channelID
	peer := a.peerID
	a.mu.Unlock()

	return a.initiateConnection(ctx, peer, channelID)
}

// Leave tears down the subscription.
func (a *Adapter) Leave() {
	a.mu.Lock()
	sub := a.sub
	a.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// SendMessage encodes and sends one envelope. It is a no-op while
// disconnected, queues while a sync round-trip is outstanding, and never
// surfaces transport failures; those reset the connection instead. Empty
// payloads and a missing peer identity fail fast.
func (a *Adapter) SendMessage(ctx context.Context, targetID protocol.PeerID, channelID protocol.ChannelID, data []byte, broadcast bool) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	if len(data) == 0 {
		a.mu.Unlock()
		return ErrEmptyMessage
	}
	if a.peerID == "" {
		a.mu.Unlock()
		return ErrNoPeerID
	}

	msg := protocol.Message{
		Type:      "message",
		SenderID:  a.peerID,
		TargetID:  targetID,
		ChannelID: channelID,
		Data:      data,
		Broadcast: broadcast,
	}

	if a.syncing {
		a.queue = append(a.queue, msg)
		a.mu.Unlock()
		return nil
	}

	encoded, err := protocol.Encode(msg)
	if err != nil {
		a.mu.Unlock()
		return err
	}

	// Suppress exact immediate repeats. Once the history fills with
	// consecutive duplicates the channel is stuck in a loop: force a full
	// rejoin instead of sending yet again.
	history := a.lastMessages[channelID]
	if len(history) > 0 && bytes.Equal(history[len(history)-1], encoded) {
		if len(history)+1 > floodLimit {
			delete(a.lastMessages, channelID)
			a.mu.Unlock()
			log.WithField("channel", string(channelID)).Warn("stuck sync loop, rejoining channel")
			return a.Join(ctx, channelID)
		}
		a.lastMessages[channelID] = append(history, encoded)
		a.mu.Unlock()
		return nil
	}
	a.lastMessages[channelID] = [][]byte{encoded}

	a.syncing = true
	a.mu.Unlock()

	resp, err := a.transport.Invoke(ctx, "sync-message", contentTypeBinary, encoded)

	a.mu.Lock()
	a.syncing = false
	a.mu.Unlock()

	if err != nil {
		log.WithError(err).Warn("sync-message failed")
		a.resetConnection()
		return nil
	}
	if len(resp) > 0 {
		a.ReceiveMessage(resp)
	}

	a.sendFromQueue(ctx)
	return nil
}

// ReceiveMessage decodes an inbound envelope and emits it to listeners.
// Envelopes with empty payloads are ignored.
func (a *Adapter) ReceiveMessage(raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		log.WithError(err).Warn("dropping undecodable message")
		return
	}
	if len(msg.Data) == 0 {
		return
	}
	if a.events.Message != nil {
		a.events.Message(msg)
	}
}

func (a *Adapter) consume(ctx context.Context, sub Subscription) {
	for frame := range sub.Frames() {
		switch frame.Type {
		case realtime.FrameSubscribed:
			a.handleSubscribed(ctx)
		case realtime.FrameChange:
			if frame.Event != nil {
				a.handleChange(ctx, *frame.Event)
			}
		}
	}

	// subscription dropped
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.emitDisconnected()
}

func (a *Adapter) handleSubscribed(ctx context.Context) {
	a.mu.Lock()
	rejoin := a.subscribedOnce && a.channelID != ""
	channel := a.channelID
	a.connected = true
	a.subscribedOnce = true
	a.mu.Unlock()

	if rejoin {
		_ = a.Join(ctx, channel)
	}
}

// handleChange pulls the active channel when another peer substantively
// changed it and no sync work is outstanding. Notifications arriving while
// busy are dropped; the document is re-observed on a later notification or
// explicit sync.
func (a *Adapter) handleChange(ctx context.Context, ev realtime.ChangeEvent) {
	a.mu.Lock()
	if !ev.Changed || ev.ID != a.channelID || a.syncing || len(a.queue) > 0 {
		a.mu.Unlock()
		return
	}
	peer := a.peerID
	a.syncing = true
	a.mu.Unlock()

	body, _ := json.Marshal(pullRequest{SenderID: peer, ChannelID: ev.ID, TargetID: protocol.ServerPeerID})
	data, err := a.transport.Invoke(ctx, "pull", contentTypeJSON, body)

	a.mu.Lock()
	a.syncing = false
	a.mu.Unlock()

	if err != nil {
		log.WithError(err).Warn("pull failed")
		a.resetConnection()
		return
	}
	if len(data) > 0 {
		a.ReceiveMessage(data)
	}
}

// initiateConnection performs the connect handshake. Joining discards any
// queued envelopes: a reconnect supersedes in-flight intent.
func (a *Adapter) initiateConnection(ctx context.Context, peer protocol.PeerID, channel protocol.ChannelID) error {
	if peer == "" {
		return ErrNoPeerID
	}

	a.mu.Lock()
	a.queue = nil
	a.mu.Unlock()

	body, _ := json.Marshal(connectRequest{SenderID: peer, ChannelID: channel})
	resp, err := a.transport.Invoke(ctx, "connect", contentTypeJSON, body)
	if err != nil {
		log.WithError(err).Warn("connect handshake failed")
		a.resetConnection()
		return nil
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	if len(resp) > 0 && a.events.PeerCandidate != nil {
		a.events.PeerCandidate(protocol.ServerPeerID, channel)
	}
	return nil
}

// sendFromQueue dispatches exactly one pending envelope, if any.
func (a *Adapter) sendFromQueue(ctx context.Context) {
	a.mu.Lock()
	if len(a.queue) == 0 {
		a.mu.Unlock()
		return
	}
	next := a.queue[0]
	a.queue = a.queue[1:]
	a.mu.Unlock()

	_ = a.SendMessage(ctx, next.TargetID, next.ChannelID, next.Data, next.Broadcast)
}

// resetConnection arms a single delayed reconnect that re-joins the active
// channel. Re-arming while a timer is pending is a no-op.
func (a *Adapter) resetConnection() {
	a.mu.Lock()
	if a.reconnect != nil {
		a.mu.Unlock()
		return
	}
	a.reconnect = time.AfterFunc(a.delay.NextBackOff(), func() {
		a.mu.Lock()
		a.reconnect = nil
		channel := a.channelID
		a.mu.Unlock()

		if channel != "" {
			_ = a.Join(context.Background(), channel)
		}
	})
	a.mu.Unlock()

	a.emitDisconnected()
}

func (a *Adapter) emitDisconnected() {
	if a.events.PeerDisconnected != nil {
		a.events.PeerDisconnected(protocol.ServerPeerID)
	}
}
