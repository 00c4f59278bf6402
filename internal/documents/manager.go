// Package documents owns per-peer sync negotiation state and drives the
// merge-and-persist cycle for document exchanges.
package documents

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/apex/log"
	"github.com/jackc/pgx/v5"

	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/auth"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/crdt"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/db"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/protocol"
)

const (
	selectDocSQL = "select data from documents where id = $1 limit 1"
	upsertDocSQL = "insert into documents (id, data, updated_by_peer, changed) values ($1, $2, $3, $4) " +
		"on conflict (id) do update set data = excluded.data, updated_by_peer = excluded.updated_by_peer, changed = excluded.changed"
)

// Transactor runs a unit of work in one serializable transaction.
type Transactor interface {
	Transact(ctx context.Context, identity *auth.Identity, body db.TxBody) error
}

// Notifier broadcasts committed writes on the realtime channel.
type Notifier interface {
	PublishChange(ctx context.Context, id protocol.ChannelID, peer protocol.PeerID, changed bool) error
}

type stateKey struct {
	peer    protocol.PeerID
	channel protocol.ChannelID
}

// Manager tracks one SyncState per (peer, channel) and orchestrates merges.
// Sync states live in process memory only; a restart forces every peer back
// to a full resync on next contact.
type Manager struct {
	engine   crdt.Engine
	store    Transactor
	notifier Notifier

	mu     sync.Mutex
	states map[protocol.PeerID]map[protocol.ChannelID]crdt.SyncState
	locks  map[stateKey]*sync.Mutex
}

func NewManager(engine crdt.Engine, store Transactor, notifier Notifier) *Manager {
	return &Manager{
		engine:   engine,
		store:    store,
		notifier: notifier,
		states:   map[protocol.PeerID]map[protocol.ChannelID]crdt.SyncState{},
		locks:    map[stateKey]*sync.Mutex{},
	}
}

// SetupPeer initializes an empty negotiation map for a peer, discarding any
// prior state. Called when a peer (re)announces itself.
func (m *Manager) SetupPeer(peer protocol.PeerID) {
	log.WithField("peer", string(peer)).Info("setting up peer")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[peer] = map[protocol.ChannelID]crdt.SyncState{}
}

// ResetDocState replaces the stored sync state with a round-tripped copy of
// the current one, or a brand-new empty state if none exists. The copy
// recovers from in-engine inconsistency without losing negotiation progress.
func (m *Manager) ResetDocState(peer protocol.PeerID, channel protocol.ChannelID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	states, ok := m.states[peer]
	if !ok {
		states = map[protocol.ChannelID]crdt.SyncState{}
		m.states[peer] = states
	}

	if current, ok := states[channel]; ok {
		if fresh, err := m.roundTripState(current); err == nil {
			states[channel] = fresh
			return
		}
	}
	states[channel] = m.engine.InitSyncState()
}

// UpdateDoc applies inbound sync data for a channel inside one transaction:
// load, merge, persist, then produce the next outbound sync message for the
// sender. Any failure resets the sender's sync state before propagating, so
// a future retry starts clean.
func (m *Manager) UpdateDoc(ctx context.Context, msg protocol.Message, identity *auth.Identity) ([]byte, error) {
	unlock := m.lockKey(stateKey{msg.SenderID, msg.ChannelID})
	defer unlock()

	var (
		merged  crdt.Doc
		changed bool
	)
	err := m.store.Transact(ctx, identity, func(tx pgx.Tx) error {
		doc, err := m.getDoc(ctx, tx, msg.ChannelID)
		if err != nil {
			return err
		}
		state := m.stateFor(msg.SenderID, msg.ChannelID)

		newDoc, newState, err := m.engine.ReceiveSyncMessage(doc, state, msg.Data)
		if err != nil {
			// The engine rejected the state as inconsistent. Try once more
			// with a round-tripped copy before giving up.
			log.WithError(err).WithField("peer", string(msg.SenderID)).
				Warn("sync state rejected, retrying with re-encoded copy")
			fresh, rtErr := m.roundTripState(state)
			if rtErr != nil {
				return err
			}
			newDoc, newState, err = m.engine.ReceiveSyncMessage(doc, fresh, msg.Data)
			if err != nil {
				return err
			}
		}

		changed = !slices.Equal(m.engine.Heads(newDoc), m.engine.Heads(doc))

		if err := m.saveDoc(ctx, tx, msg.ChannelID, newDoc, msg.SenderID, changed); err != nil {
			return err
		}

		m.setState(msg.SenderID, msg.ChannelID, newState)
		merged = newDoc
		return nil
	})
	if err != nil {
		m.ResetDocState(msg.SenderID, msg.ChannelID)
		return nil, err
	}

	if m.notifier != nil {
		if err := m.notifier.PublishChange(ctx, msg.ChannelID, msg.SenderID, changed); err != nil {
			log.WithError(err).WithField("channel", string(msg.ChannelID)).
				Warn("failed to publish change event")
		}
	}

	return m.generateFor(msg.ChannelID, msg.SenderID, merged), nil
}

// GenerateSyncMessage produces the next outbound sync message for a peer
// without requiring new inbound data, loading the persisted document in its
// own transaction. An empty result means the peer is already up to date.
func (m *Manager) GenerateSyncMessage(ctx context.Context, channel protocol.ChannelID, peer protocol.PeerID, identity *auth.Identity) ([]byte, error) {
	unlock := m.lockKey(stateKey{peer, channel})
	defer unlock()

	var doc crdt.Doc
	err := m.store.Transact(ctx, identity, func(tx pgx.Tx) error {
		var err error
		doc, err = m.getDoc(ctx, tx, channel)
		return err
	})
	if err != nil {
		return nil, err
	}

	return m.generateFor(channel, peer, doc), nil
}

func (m *Manager) generateFor(channel protocol.ChannelID, peer protocol.PeerID, doc crdt.Doc) []byte {
	state := m.stateFor(peer, channel)
	newState, data := m.engine.GenerateSyncMessage(doc, state)
	m.setState(peer, channel, newState)
	return data
}

func (m *Manager) getDoc(ctx context.Context, tx pgx.Tx, channel protocol.ChannelID) (crdt.Doc, error) {
	var data []byte
	err := tx.QueryRow(ctx, selectDocSQL, string(channel)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return m.engine.Init(), nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return m.engine.Init(), nil
	}
	return m.engine.Load(data)
}

// saveDoc upserts the document row. The serialized form must round-trip
// through the engine's own load; if it does not, the content is corrupt and
// must not be persisted.
func (m *Manager) saveDoc(ctx context.Context, tx pgx.Tx, channel protocol.ChannelID, doc crdt.Doc, peer protocol.PeerID, changed bool) error {
	data, err := m.engine.Save(doc)
	if err != nil {
		return err
	}
	if _, err := m.engine.Load(data); err != nil {
		log.WithError(err).WithField("channel", string(channel)).Error("refusing to persist corrupt document")
		m.ResetDocState(peer, channel)
		return fmt.Errorf("document %q does not round-trip: %w", channel, err)
	}

	_, err = tx.Exec(ctx, upsertDocSQL, string(channel), data, string(peer), changed)
	return err
}

func (m *Manager) roundTripState(state crdt.SyncState) (crdt.SyncState, error) {
	encoded, err := m.engine.EncodeSyncState(state)
	if err != nil {
		return nil, err
	}
	return m.engine.DecodeSyncState(encoded)
}

func (m *Manager) stateFor(peer protocol.PeerID, channel protocol.ChannelID) crdt.SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[peer][channel]; ok {
		return state
	}
	return m.engine.InitSyncState()
}

func (m *Manager) setState(peer protocol.PeerID, channel protocol.ChannelID, state crdt.SyncState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	states, ok := m.states[peer]
	if !ok {
		states = map[protocol.ChannelID]crdt.SyncState{}
		m.states[peer] = states
	}
	states[channel] = state
}

// lockKey serializes merge cycles per (peer, channel) so concurrent requests
// cannot interleave conflicting merges on one sync state.
func (m *Manager) lockKey(key stateKey) func() {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
