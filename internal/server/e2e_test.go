package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/auth"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/crdt"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/db"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/documents"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/protocol"
)

// memTransactor applies writes immediately; transactional semantics are
// covered by the db package tests.
type memTransactor struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func (s *memTransactor) Transact(_ context.Context, _ *auth.Identity, body db.TxBody) error {
	return body(&memTransactorTx{store: s})
}

type memTransactorTx struct {
	pgx.Tx
	store *memTransactor
}

func (t *memTransactorTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	data, ok := t.store.rows[args[0].(string)]
	return memTransactorRow{data: data, ok: ok}
}

func (t *memTransactorTx) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.rows[args[0].(string)] = args[1].([]byte)
	return pgconn.CommandTag{}, nil
}

type memTransactorRow struct {
	data []byte
	ok   bool
}

func (r memTransactorRow) Scan(dest ...any) error {
	if !r.ok {
		return pgx.ErrNoRows
	}
	*dest[0].(*[]byte) = r.data
	return nil
}

func post(t *testing.T, url, contentType string, body []byte) []byte {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", bearer(t, "authenticated"))
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	return raw
}

// Two peers converge on one document through the full HTTP surface.
func TestTwoPeerSyncOverHTTP(t *testing.T) {
	engine := crdt.OpSet{}
	store := &memTransactor{rows: map[string][]byte{}}
	manager := documents.NewManager(engine, store, nil)
	srv := httptest.NewServer(New(manager).Router())
	defer srv.Close()

	// P1 announces itself and pushes an edit.
	post(t, srv.URL+"/connect", "application/json", []byte(`{"senderId":"p1"}`))

	p1Doc := engine.WithOp(engine.Init(), "ins:1:hello")
	p1State, msg := engine.GenerateSyncMessage(p1Doc, engine.InitSyncState())
	require.NotEmpty(t, msg)

	envelope, err := protocol.Encode(protocol.Message{
		Type: "message", SenderID: "p1", TargetID: "server", ChannelID: "C1", Data: msg,
	})
	require.NoError(t, err)

	raw := post(t, srv.URL+"/sync-message", "application/octet-stream", envelope)
	reply, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Data, "the merge is acknowledged with a non-empty sync message")

	p1Doc, p1State, err = engine.ReceiveSyncMessage(p1Doc, p1State, reply.Data)
	require.NoError(t, err)

	// P2 pulls the channel and ends up with P1's content.
	post(t, srv.URL+"/connect", "application/json", []byte(`{"senderId":"p2"}`))

	raw = post(t, srv.URL+"/pull", "application/json",
		[]byte(`{"senderId":"p2","channelId":"C1","targetId":"server"}`))
	pulled, err := protocol.Decode(raw)
	require.NoError(t, err)
	require.NotEmpty(t, pulled.Data)

	p2Doc, _, err := engine.ReceiveSyncMessage(engine.Init(), engine.InitSyncState(), pulled.Data)
	require.NoError(t, err)

	assert.Equal(t, engine.Heads(p1Doc), engine.Heads(p2Doc))

	// Nothing new on either side: the next outbound message is empty.
	_, next := engine.GenerateSyncMessage(p1Doc, p1State)
	assert.Empty(t, next)
}
