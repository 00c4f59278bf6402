// Package crdt defines the document engine capability consumed by the sync
// service. Merge semantics live entirely behind the Engine interface; the
// service only moves documents and sync messages around.
package crdt

// Doc is an opaque handle to a decoded CRDT document.
type Doc interface{}

// SyncState is opaque negotiation state tracking what one peer is known to
// have seen for one document.
type SyncState interface{}

// Engine is the full capability surface the sync service needs from a CRDT
// implementation.
type Engine interface {
	// Init returns a fresh empty document.
	Init() Doc

	// Load decodes a serialized document. It must reject bytes that do not
	// round-trip; the orchestrator uses it to verify documents before
	// persisting them.
	Load(data []byte) (Doc, error)

	// Save serializes a document so that Load(Save(doc)) has the same heads.
	Save(doc Doc) ([]byte, error)

	// Heads returns the ordered causal frontier markers of a document. Two
	// documents with equal heads hold the same history.
	Heads(doc Doc) []string

	// InitSyncState returns empty negotiation state for a new peer.
	InitSyncState() SyncState

	// EncodeSyncState and DecodeSyncState round-trip negotiation state. The
	// orchestrator uses the pair to re-derive a clean copy when the engine
	// reports an inconsistent state.
	EncodeSyncState(state SyncState) ([]byte, error)
	DecodeSyncState(data []byte) (SyncState, error)

	// GenerateSyncMessage computes the minimal outbound message for a
	// (document, state) pair. An empty message means the peer is already up
	// to date.
	GenerateSyncMessage(doc Doc, state SyncState) (SyncState, []byte)

	// ReceiveSyncMessage applies an inbound sync message, returning the
	// merged document and updated state.
	ReceiveSyncMessage(doc Doc, state SyncState, message []byte) (Doc, SyncState, error)
}
