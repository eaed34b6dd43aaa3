package gateway

import (
	"google.golang.org/grpc/encoding"

	"github.com/plan-systems/plan-gateway/bufs"
)

// CodecName is the grpc content-subtype gateway messages are sent with ("application/grpc+cbor").
const CodecName = "cbor"

func init() {
	encoding.RegisterCodec(cborCodec{})
}

// cborCodec lets grpc carry the gateway's cbor-tagged message structs without a protobuf compile step.
type cborCodec struct{}

func (cborCodec) Marshal(v interface{}) ([]byte, error) {
	return bufs.MarshalCBOR(v)
}

func (cborCodec) Unmarshal(data []byte, v interface{}) error {
	return bufs.UnmarshalCBOR(data, v)
}

func (cborCodec) Name() string {
	return CodecName
}
