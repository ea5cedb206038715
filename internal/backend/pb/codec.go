package pb

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Codec marshals this package's Message types on the wire. It names itself
// "proto" so the content-type subtype matches what the inference server's
// stock protobuf stack expects; the byte layout is identical to the
// generated bindings it replaces.
type Codec struct{}

var _ encoding.Codec = Codec{}

func (Codec) Name() string { return "proto" }

func (Codec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("codec: cannot marshal %T", v)
	}

	return msg.MarshalProto()
}

func (Codec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(Message)
	if !ok {
		return fmt.Errorf("codec: cannot unmarshal into %T", v)
	}

	return msg.UnmarshalProto(data)
}
