package protocol

import "fmt"

// Codec implements the gRPC encoding.Codec interface over the wire messages
// in this package.
type Codec struct{}

// Name returns the content subtype the codec is sent under.
func (Codec) Name() string { return "raftwire" }

func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("cannot marshal %T: not a wire message", v)
	}
	return m.Marshal()
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("cannot unmarshal into %T: not a wire message", v)
	}
	return m.Unmarshal(data)
}
