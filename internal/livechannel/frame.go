package livechannel

import (
	"encoding/json"
	"fmt"
)

// Frame is one inbound message. Type is the discriminator; Raw is the whole
// JSON object so handlers can decode the fields they care about.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the whole frame into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Raw, v); err != nil {
		return fmt.Errorf("livechannel: decode %s frame: %w", f.Type, err)
	}
	return nil
}

// parseFrame extracts the discriminator. Frames that are not JSON objects or
// carry no type are rejected.
func parseFrame(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if head.Type == "" {
		return Frame{}, fmt.Errorf("frame has no type")
	}
	return Frame{Type: head.Type, Raw: json.RawMessage(data)}, nil
}
