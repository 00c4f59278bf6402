package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/protocol"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/realtime"
)

type fakeTransport struct {
	mu       sync.Mutex
	calls    []string
	bodies   map[string][][]byte
	handlers map[string]func(body []byte) ([]byte, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		bodies:   map[string][][]byte{},
		handlers: map[string]func([]byte) ([]byte, error){},
	}
}

func (f *fakeTransport) Invoke(_ context.Context, action string, _ string, body []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, action)
	f.bodies[action] = append(f.bodies[action], body)
	handler := f.handlers[action]
	f.mu.Unlock()

	if handler == nil {
		return nil, nil
	}
	return handler(body)
}

func (f *fakeTransport) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == action {
			n++
		}
	}
	return n
}

type fakeSubscription struct {
	frames chan realtime.Frame
	once   sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{frames: make(chan realtime.Frame, 16)}
}

func (s *fakeSubscription) Frames() <-chan realtime.Frame { return s.frames }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.frames) })
	return nil
}

type fakeSubscriber struct {
	sub *fakeSubscription
	err error
}

func (f fakeSubscriber) Subscribe(context.Context, protocol.PeerID) (Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

type eventRecorder struct {
	mu           sync.Mutex
	messages     []protocol.Message
	candidates   []protocol.ChannelID
	disconnected int
}

func (r *eventRecorder) events() Events {
	return Events{
		PeerCandidate: func(_ protocol.PeerID, channel protocol.ChannelID) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.candidates = append(r.candidates, channel)
		},
		PeerDisconnected: func(protocol.PeerID) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnected++
		},
		Message: func(msg protocol.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, msg)
		},
	}
}

func (r *eventRecorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *eventRecorder) disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

func envelopeBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	raw, err := protocol.Encode(protocol.Message{
		Type: "message", SenderID: "server", TargetID: "p1", ChannelID: "C1", Data: data,
	})
	require.NoError(t, err)
	return raw
}

// connectedAdapter returns an adapter with a confirmed subscription.
func connectedAdapter(t *testing.T, tr Transport, rec *eventRecorder) (*Adapter, *fakeSubscription) {
	t.Helper()
	sub := newFakeSubscription()
	a := New(tr, fakeSubscriber{sub: sub}, rec.events())
	a.delay = backoff.NewConstantBackOff(10 * time.Millisecond)

	a.Connect(context.Background(), "p1")
	sub.frames <- realtime.Frame{Type: realtime.FrameSubscribed}

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.connected
	}, time.Second, time.Millisecond)
	return a, sub
}

func TestSendMessageIsNoOpWhileDisconnected(t *testing.T) {
	tr := newFakeTransport()
	a := New(tr, fakeSubscriber{sub: newFakeSubscription()}, Events{})

	err := a.SendMessage(context.Background(), "server", "C1", []byte("data"), false)

	require.NoError(t, err)
	assert.Empty(t, tr.calls)
}

func TestSendMessageEmptyPayloadFailsFast(t *testing.T) {
	tr := newFakeTransport()
	rec := &eventRecorder{}
	a, _ := connectedAdapter(t, tr, rec)

	err := a.SendMessage(context.Background(), "server", "C1", nil, false)

	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Zero(t, tr.count("sync-message"), "the transport must not be touched")
}

func TestSendMessageAppliesResponse(t *testing.T) {
	tr := newFakeTransport()
	tr.handlers["sync-message"] = func([]byte) ([]byte, error) {
		return envelopeBytes(t, []byte("reply")), nil
	}
	rec := &eventRecorder{}
	a, _ := connectedAdapter(t, tr, rec)

	err := a.SendMessage(context.Background(), "server", "C1", []byte("data"), false)
	require.NoError(t, err)

	require.Equal(t, 1, rec.messageCount())
	rec.mu.Lock()
	assert.Equal(t, []byte("reply"), rec.messages[0].Data)
	rec.mu.Unlock()
}

func TestRepeatedIdenticalSendsForceRejoin(t *testing.T) {
	tr := newFakeTransport()
	tr.handlers["connect"] = func([]byte) ([]byte, error) {
		return []byte(`{"status":"connected"}`), nil
	}
	rec := &eventRecorder{}
	a, _ := connectedAdapter(t, tr, rec)

	for i := 0; i < 11; i++ {
		require.NoError(t, a.SendMessage(context.Background(), "server", "C1", []byte("same"), false))
	}

	assert.Equal(t, 1, tr.count("sync-message"), "identical repeats are suppressed, never re-sent")
	assert.Equal(t, 1, tr.count("connect"), "the 11th identical send forces a rejoin")
}

func TestFreshContentResetsDuplicateHistory(t *testing.T) {
	tr := newFakeTransport()
	rec := &eventRecorder{}
	a, _ := connectedAdapter(t, tr, rec)

	require.NoError(t, a.SendMessage(context.Background(), "server", "C1", []byte("one"), false))
	require.NoError(t, a.SendMessage(context.Background(), "server", "C1", []byte("one"), false))
	require.NoError(t, a.SendMessage(context.Background(), "server", "C1", []byte("two"), false))

	assert.Equal(t, 2, tr.count("sync-message"))
	assert.Zero(t, tr.count("connect"))
}

func TestMessagesQueueWhileSyncing(t *testing.T) {
	tr := newFakeTransport()
	release := make(chan struct{})
	firstCall := true
	var mu sync.Mutex
	tr.handlers["sync-message"] = func([]byte) ([]byte, error) {
		mu.Lock()
		blocking := firstCall
		firstCall = false
		mu.Unlock()
		if blocking {
			<-release
		}
		return nil, nil
	}
	rec := &eventRecorder{}
	a, _ := connectedAdapter(t, tr, rec)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.SendMessage(context.Background(), "server", "C1", []byte("first"), false)
	}()

	require.Eventually(t, func() bool { return tr.count("sync-message") == 1 }, time.Second, time.Millisecond)

	// The adapter is busy: this envelope queues and the call returns.
	require.NoError(t, a.SendMessage(context.Background(), "server", "C1", []byte("second"), false))
	assert.Equal(t, 1, tr.count("sync-message"))

	close(release)
	<-done

	require.Eventually(t, func() bool { return tr.count("sync-message") == 2 }, time.Second, time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	first, err := protocol.Decode(tr.bodies["sync-message"][0])
	require.NoError(t, err)
	second, err := protocol.Decode(tr.bodies["sync-message"][1])
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), first.Data)
	assert.Equal(t, []byte("second"), second.Data)
}

func TestChangeNotificationTriggersPull(t *testing.T) {
	tr := newFakeTransport()
	tr.handlers["connect"] = func([]byte) ([]byte, error) {
		return []byte(`{"status":"connected"}`), nil
	}
	tr.handlers["pull"] = func(body []byte) ([]byte, error) {
		var req pullRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, protocol.ChannelID("C1"), req.ChannelID)
		return envelopeBytes(t, []byte("fresh")), nil
	}
	rec := &eventRecorder{}
	a, sub := connectedAdapter(t, tr, rec)
	require.NoError(t, a.Join(context.Background(), "C1"))

	sub.frames <- realtime.Frame{Type: realtime.FrameChange, Event: &realtime.ChangeEvent{
		ID: "C1", UpdatedByPeer: "p2", Changed: true,
	}}

	require.Eventually(t, func() bool { return rec.messageCount() == 1 }, time.Second, time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, []byte("fresh"), rec.messages[0].Data)
	rec.mu.Unlock()
}

func TestUnchangedNotificationsAreIgnored(t *testing.T) {
	tr := newFakeTransport()
	tr.handlers["connect"] = func([]byte) ([]byte, error) {
		return []byte(`{"status":"connected"}`), nil
	}
	rec := &eventRecorder{}
	a, sub := connectedAdapter(t, tr, rec)
	require.NoError(t, a.Join(context.Background(), "C1"))

	sub.frames <- realtime.Frame{Type: realtime.FrameChange, Event: &realtime.ChangeEvent{
		ID: "C1", UpdatedByPeer: "p2", Changed: false,
	}}
	sub.frames <- realtime.Frame{Type: realtime.FrameChange, Event: &realtime.ChangeEvent{
		ID: "other", UpdatedByPeer: "p2", Changed: true,
	}}

	// Draining happens asynchronously; give the consumer a moment.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, tr.count("pull"))
}

func TestTransportFailureResetsConnectionAndReconnects(t *testing.T) {
	tr := newFakeTransport()
	tr.handlers["connect"] = func([]byte) ([]byte, error) {
		return []byte(`{"status":"connected"}`), nil
	}
	tr.handlers["sync-message"] = func([]byte) ([]byte, error) {
		return nil, errors.New("gateway exploded")
	}
	rec := &eventRecorder{}
	a, _ := connectedAdapter(t, tr, rec)
	require.NoError(t, a.Join(context.Background(), "C1"))

	// The failure is swallowed, the peer-disconnected event fires, and the
	// reconnect timer re-runs the handshake.
	require.NoError(t, a.SendMessage(context.Background(), "server", "C1", []byte("data"), false))

	require.Eventually(t, func() bool { return rec.disconnects() >= 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return tr.count("connect") == 2 }, time.Second, time.Millisecond)
}

func TestSubscriptionDropEmitsPeerDisconnected(t *testing.T) {
	tr := newFakeTransport()
	rec := &eventRecorder{}
	a, sub := connectedAdapter(t, tr, rec)

	_ = sub.Close()

	require.Eventually(t, func() bool { return rec.disconnects() == 1 }, time.Second, time.Millisecond)
	a.mu.Lock()
	defer a.mu.Unlock()
	assert.False(t, a.connected)
}

func TestReceiveMessageIgnoresEmptyPayload(t *testing.T) {
	tr := newFakeTransport()
	rec := &eventRecorder{}
	a, _ := connectedAdapter(t, tr, rec)

	a.ReceiveMessage(envelopeBytes(t, nil))

	assert.Zero(t, rec.messageCount())
}
