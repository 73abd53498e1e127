package v1

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// JSONCodecName is passed to grpc.CallContentSubtype on the client and
// matched against the "-bin"-less content-subtype gRPC negotiates; it
// selects jsonCodec in place of the default proto codec. No .proto file or
// protoc-generated stub exists for this service — RPC messages are the
// plain Go structs in this package, marshaled as JSON instead of protobuf
// binary framing. This is a documented, supported extension point of
// google.golang.org/grpc (see encoding.RegisterCodec), not a deviation from
// the gRPC wire protocol: framing, HTTP/2, compression, and streaming are
// all still gRPC's own.
const JSONCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return JSONCodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
