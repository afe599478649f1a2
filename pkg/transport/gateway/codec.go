// Package gateway implements the Gateway-mode Worker Transport: a
// Worker-initiated gRPC channel where every call is unary (PollTask,
// AckTask, ReportResult, SendLog*, SendHeartbeat, PollControl, AckControl,
// ReportControlResult). No protoc-generated stubs are available in this
// tree, so messages are ordinary Go structs marshaled with a gRPC-pluggable
// JSON codec instead of protobuf wire encoding; every RPC in this mode is
// unary, so JSON-over-gRPC carries the full contract without needing
// protobuf's streaming framing.
package gateway

import "encoding/json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec, replacing the
// default proto codec for every connection that registers it.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }
