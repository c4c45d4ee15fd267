package ipc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered as a grpc content-subtype. The pack carries
// no .proto/generated code for this service, so messages travel as JSON
// over the same streaming/keepalive machinery grpc already gives the
// tunnel data plane (spec.md C10), instead of fabricating generated
// protobuf stubs.
const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// callSubtype is passed as grpc.CallContentSubtype so client calls use the
// JSON codec registered above.
func callSubtype() string {
	return jsonCodecName
}
