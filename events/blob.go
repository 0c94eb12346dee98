package events

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Blob is binary payload data. It encodes as a CBOR byte string and also
// accepts the base64 text that JSON transports turn byte strings into.
type Blob []byte

func (b Blob) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal([]byte(b))
}

func (b *Blob) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err == nil {
		*b = raw
		return nil
	}
	var text string
	if err := cbor.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("blob: expected byte or text string: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	*b = decoded
	return nil
}
