package realtime

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/protocol"
)

// Publisher emits change events after commits. It stands in for the WAL-based
// change feed of a managed Postgres: the orchestrator publishes explicitly
// once a document row has been upserted.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// PublishChange broadcasts one committed write on the documents channel.
func (p *Publisher) PublishChange(ctx context.Context, id protocol.ChannelID, peer protocol.PeerID, changed bool) error {
	payload, err := json.Marshal(ChangeEvent{ID: id, UpdatedByPeer: peer, Changed: changed})
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, Channel, payload).Err()
}
