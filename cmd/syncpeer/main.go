package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/adapter"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/crdt"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/logging"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/protocol"
)

// peer holds one client-side document replica and its sync state with the
// server.
type peer struct {
	engine crdt.OpSet

	mu    sync.Mutex
	doc   crdt.Doc
	state crdt.SyncState
	net   *adapter.Adapter
}

// syncOut generates the next sync message, if any, and hands it to the
// network adapter.
func (p *peer) syncOut(ctx context.Context, channel protocol.ChannelID) {
	p.mu.Lock()
	state, msg := p.engine.GenerateSyncMessage(p.doc, p.state)
	p.state = state
	p.mu.Unlock()

	if len(msg) == 0 {
		return
	}
	if err := p.net.SendMessage(ctx, protocol.ServerPeerID, channel, msg, false); err != nil {
		log.WithError(err).Error("send failed")
	}
}

func (p *peer) apply(ctx context.Context, msg protocol.Message) {
	p.mu.Lock()
	doc, state, err := p.engine.ReceiveSyncMessage(p.doc, p.state, msg.Data)
	if err != nil {
		p.mu.Unlock()
		log.WithError(err).Error("could not apply sync message")
		return
	}
	p.doc = doc
	p.state = state
	heads := p.engine.Heads(p.doc)
	p.mu.Unlock()

	log.WithField("heads", strings.Join(heads, ",")).Info("document updated")
	p.syncOut(ctx, msg.ChannelID)
}

func main() {
	serverURL := flag.String("server", "http://localhost:8081", "sync server base URL")
	realtimeURL := flag.String("realtime", "ws://localhost:8081/realtime", "realtime endpoint")
	channel := flag.String("channel", "demo-doc", "document channel to join")
	token := flag.String("token", "", "bearer token forwarded to the server")
	ops := flag.String("ops", "", "comma-separated operations to record locally")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logging.Init(*level)

	ctx := context.Background()
	peerID := protocol.PeerID(uuid.NewString())
	channelID := protocol.ChannelID(*channel)
	log.WithField("peer", string(peerID)).Info("starting peer")

	p := &peer{engine: crdt.OpSet{}}
	p.doc = p.engine.Init()
	p.state = p.engine.InitSyncState()
	if *ops != "" {
		for _, op := range strings.Split(*ops, ",") {
			p.doc = p.engine.WithOp(p.doc, op)
		}
	}

	p.net = adapter.New(
		adapter.NewHTTPTransport(*serverURL, *token),
		adapter.NewWebsocketSubscriber(*realtimeURL),
		adapter.Events{
			PeerCandidate: func(_ protocol.PeerID, ch protocol.ChannelID) {
				p.syncOut(ctx, ch)
			},
			PeerDisconnected: func(protocol.PeerID) {
				log.Warn("disconnected from server")
			},
			Message: func(msg protocol.Message) {
				p.apply(ctx, msg)
			},
		},
	)

	p.net.Connect(ctx, peerID)
	if err := p.net.Join(ctx, channelID); err != nil {
		log.WithError(err).Fatal("could not join channel")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	p.net.Leave()
	log.Info("peer stopped")
}
