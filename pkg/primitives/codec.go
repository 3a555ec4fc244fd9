package primitives

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes the peer request and response envelopes stored in the group's
// channels. All members of a group must use the same codec.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CBORCodec is the default codec.
type CBORCodec struct{}

func (CBORCodec) Marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

func (CBORCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

// JSONCodec keeps envelopes human readable in the store.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type peerRequest struct {
	CorrelationID string `json:"correlationId"`
	Payload       []byte `json:"payload"`
}

type peerResponse struct {
	Success        bool     `json:"success"`
	Message        string   `json:"message,omitempty"`
	ResultChunkIDs []string `json:"resultChunkIds"`
}
