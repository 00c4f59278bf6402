package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	msg := Message{
		Type:      "message",
		SenderID:  "p1",
		TargetID:  ServerPeerID,
		ChannelID: "doc-1",
		Data:      []byte{0x01, 0x02},
		Broadcast: true,
	}

	raw, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not cbor"))
	assert.Error(t, err)
}
