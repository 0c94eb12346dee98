package port

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Transfer marks a buffer whose ownership moves to the receiver instead of
// being copied. Only top-level arguments and results are moved; the sender
// must not touch the buffer after sending.
type Transfer []byte

// transferTag is the CBOR tag number of a reference into Envelope.Transfer.
const transferTag = 27001

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// encodeValues encodes values, appending moved buffers to transfer.
func encodeValues(values []interface{}, transfer [][]byte) ([]cbor.RawMessage, [][]byte, error) {
	if len(values) == 0 {
		return nil, transfer, nil
	}
	out := make([]cbor.RawMessage, 0, len(values))
	for i, v := range values {
		switch tv := v.(type) {
		case Transfer:
			ref, err := cbor.Marshal(cbor.Tag{Number: transferTag, Content: uint64(len(transfer))})
			if err != nil {
				return nil, nil, fmt.Errorf("encode transfer reference %d: %w", i, err)
			}
			transfer = append(transfer, []byte(tv))
			out = append(out, ref)
		case cbor.RawMessage:
			out = append(out, tv)
		default:
			raw, err := cbor.Marshal(v)
			if err != nil {
				return nil, nil, fmt.Errorf("encode argument %d: %w", i, err)
			}
			out = append(out, raw)
		}
	}
	return out, transfer, nil
}

func decodeValue(raw cbor.RawMessage, transfer [][]byte, dst interface{}) error {
	if len(raw) == 0 {
		return errors.New("no value to decode")
	}
	idx, isRef, err := transferIndex(raw)
	if err != nil {
		return err
	}
	if !isRef {
		return decMode.Unmarshal(raw, dst)
	}
	if idx >= uint64(len(transfer)) {
		return fmt.Errorf("transfer reference %d out of range (%d buffers)", idx, len(transfer))
	}
	buf := transfer[idx]
	switch d := dst.(type) {
	case *[]byte:
		*d = buf
	case *Transfer:
		*d = Transfer(buf)
	case *interface{}:
		*d = buf
	default:
		return fmt.Errorf("transfer buffer cannot be decoded into %T", dst)
	}
	return nil
}

// transferIndex reports whether raw is a transfer reference and its index.
func transferIndex(raw cbor.RawMessage) (uint64, bool, error) {
	// major type 6 (tag) occupies the top three bits
	if len(raw) == 0 || raw[0]>>5 != 6 {
		return 0, false, nil
	}
	var tag cbor.RawTag
	if err := cbor.Unmarshal(raw, &tag); err != nil {
		return 0, false, err
	}
	if tag.Number != transferTag {
		return 0, false, nil
	}
	var idx uint64
	if err := cbor.Unmarshal(tag.Content, &idx); err != nil {
		return 0, false, fmt.Errorf("invalid transfer reference: %w", err)
	}
	return idx, true, nil
}
