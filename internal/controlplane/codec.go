package controlplane

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's global encoding registry, and forced
// on every call this package makes via grpc.ForceCodec, so that the five
// RPCs can carry plain Go structs instead of proto.Message values.
const codecName = "containerrt-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec (the gRPC v1 codec interface used by
// grpc.ForceCodec), the same interface the reference pack's inprocgrpc
// cloner falls back to for non-proto messages.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }
