// Package protocol defines the wire envelope exchanged between peers and the
// sync service. Envelopes are CBOR-encoded to stay byte-compatible with the
// automerge-repo network adapter message format.
package protocol

import (
	"github.com/fxamacker/cbor/v2"
)

// PeerID identifies one client instance. It is opaque and trusted as-is;
// uniqueness is the caller's problem.
type PeerID string

// ChannelID identifies one shared document / collaboration session.
type ChannelID string

// ServerPeerID is the well-known identity of the remote sync service.
const ServerPeerID PeerID = "server"

// Message is the decoded sync envelope. A zero-length Data payload is the
// sentinel for "nothing to send" and must never go out as a sync-message
// request.
type Message struct {
	Type      string    `cbor:"type"`
	SenderID  PeerID    `cbor:"senderId"`
	TargetID  PeerID    `cbor:"targetId"`
	ChannelID ChannelID `cbor:"channelId"`
	Data      []byte    `cbor:"data"`
	Broadcast bool      `cbor:"broadcast"`
}

// Encode serializes a message to its CBOR wire form.
func Encode(m Message) ([]byte, error) {
	return cbor.Marshal(m)
}

// Decode parses a CBOR wire envelope.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
