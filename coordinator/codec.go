package coordinator

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the grpc content-subtype of coordinator calls. Messages are
// plain Go structs encoded as JSON, so no generated code is needed.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
