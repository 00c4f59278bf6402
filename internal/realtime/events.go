// Package realtime carries row-level change notifications for the documents
// relation from the store to subscribed peers, over Redis pub/sub fanned out
// through a websocket relay.
package realtime

import (
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/protocol"
)

// Channel is the Redis pub/sub channel document change events travel on.
const Channel = "document-updates"

// Frame types sent to websocket subscribers.
const (
	FrameSubscribed = "subscribed"
	FrameChange     = "change"
)

// ChangeEvent describes one committed write to the documents relation.
type ChangeEvent struct {
	ID            protocol.ChannelID `json:"id"`
	UpdatedByPeer protocol.PeerID    `json:"updated_by_peer"`
	Changed       bool               `json:"changed"`
}

// Frame is one websocket message from the relay to a subscriber.
type Frame struct {
	Type  string       `json:"type"`
	Event *ChangeEvent `json:"event,omitempty"`
}

// shouldForward filters out a peer's own writes; peers only care about
// changes authored by somebody else.
func shouldForward(ev ChangeEvent, peer protocol.PeerID) bool {
	return ev.UpdatedByPeer != peer
}
