package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// OpSet is the built-in engine: a document is a grow-only set of opaque
// operation strings, merged by union. Union is commutative and idempotent,
// which is all the sync service requires of an engine; richer implementations
// (automerge and friends) plug in behind the same Engine interface.
type OpSet struct{}

type opSetDoc struct {
	ops map[string]struct{}
}

// opSetState tracks what the remote peer is known to hold and the document
// frontier last announced to it. A message goes out whenever the peer is
// missing ops or has not yet seen the current frontier, so a merge is always
// acknowledged; once both match, generated messages are empty.
type opSetState struct {
	known     map[string]struct{}
	sentHeads []string
}

// syncMessage is the engine's wire form: ops the peer is missing plus the
// sender's current frontier.
type syncMessage struct {
	Ops   []string `json:"ops"`
	Heads []string `json:"heads"`
}

type encodedState struct {
	Known     []string `json:"known"`
	SentHeads []string `json:"sentHeads"`
}

var _ Engine = OpSet{}

func (OpSet) Init() Doc {
	return &opSetDoc{ops: map[string]struct{}{}}
}

func (OpSet) Load(data []byte) (Doc, error) {
	var ops []string
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	doc := &opSetDoc{ops: make(map[string]struct{}, len(ops))}
	for _, op := range ops {
		doc.ops[op] = struct{}{}
	}
	return doc, nil
}

func (OpSet) Save(doc Doc) ([]byte, error) {
	d, err := asDoc(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sortedOps(d.ops))
}

func (OpSet) Heads(doc Doc) []string {
	d, err := asDoc(doc)
	if err != nil {
		return nil
	}
	// The frontier of a grow-only set is its membership.
	return sortedOps(d.ops)
}

func (OpSet) InitSyncState() SyncState {
	return &opSetState{known: map[string]struct{}{}}
}

func (OpSet) EncodeSyncState(state SyncState) ([]byte, error) {
	s, err := asState(state)
	if err != nil {
		return nil, err
	}
	return json.Marshal(encodedState{Known: sortedOps(s.known), SentHeads: s.sentHeads})
}

func (OpSet) DecodeSyncState(data []byte) (SyncState, error) {
	var es encodedState
	if err := json.Unmarshal(data, &es); err != nil {
		return nil, fmt.Errorf("decode sync state: %w", err)
	}
	s := &opSetState{known: make(map[string]struct{}, len(es.Known)), sentHeads: es.SentHeads}
	for _, op := range es.Known {
		s.known[op] = struct{}{}
	}
	return s, nil
}

func (e OpSet) GenerateSyncMessage(doc Doc, state SyncState) (SyncState, []byte) {
	d, err := asDoc(doc)
	if err != nil {
		return state, nil
	}
	s, err := asState(state)
	if err != nil {
		return state, nil
	}

	var missing []string
	for op := range d.ops {
		if _, ok := s.known[op]; !ok {
			missing = append(missing, op)
		}
	}
	sort.Strings(missing)

	heads := e.Heads(doc)
	if len(missing) == 0 && equalStrings(heads, s.sentHeads) {
		// The peer holds everything and has seen this frontier.
		return state, nil
	}

	next := s.clone()
	for _, op := range missing {
		next.known[op] = struct{}{}
	}
	next.sentHeads = heads

	msg, _ := json.Marshal(syncMessage{Ops: missing, Heads: heads})
	return next, msg
}

func (OpSet) ReceiveSyncMessage(doc Doc, state SyncState, message []byte) (Doc, SyncState, error) {
	d, err := asDoc(doc)
	if err != nil {
		return nil, nil, err
	}
	s, err := asState(state)
	if err != nil {
		return nil, nil, err
	}

	var msg syncMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return nil, nil, fmt.Errorf("receive sync message: %w", err)
	}

	newDoc := d.clone()
	newState := s.clone()
	for _, op := range msg.Ops {
		newDoc.ops[op] = struct{}{}
		// anything the peer sent us, the peer evidently has
		newState.known[op] = struct{}{}
	}
	for _, op := range msg.Heads {
		newState.known[op] = struct{}{}
	}
	return newDoc, newState, nil
}

// WithOp returns a copy of doc containing one additional operation. Clients
// use it to record local edits before generating a sync message.
func (OpSet) WithOp(doc Doc, op string) Doc {
	d, err := asDoc(doc)
	if err != nil {
		return doc
	}
	next := d.clone()
	next.ops[op] = struct{}{}
	return next
}

func (d *opSetDoc) clone() *opSetDoc {
	next := &opSetDoc{ops: make(map[string]struct{}, len(d.ops))}
	for op := range d.ops {
		next.ops[op] = struct{}{}
	}
	return next
}

func (s *opSetState) clone() *opSetState {
	next := &opSetState{known: make(map[string]struct{}, len(s.known)), sentHeads: s.sentHeads}
	for op := range s.known {
		next.known[op] = struct{}{}
	}
	return next
}

func asDoc(doc Doc) (*opSetDoc, error) {
	d, ok := doc.(*opSetDoc)
	if !ok {
		return nil, fmt.Errorf("not an op-set document: %T", doc)
	}
	return d, nil
}

func asState(state SyncState) (*opSetState, error) {
	s, ok := state.(*opSetState)
	if !ok {
		return nil, fmt.Errorf("not an op-set sync state: %T", state)
	}
	return s, nil
}

func sortedOps(set map[string]struct{}) []string {
	ops := make([]string, 0, len(set))
	for op := range set {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
