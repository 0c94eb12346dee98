package port

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is written into every CBOR envelope.
const ProtocolVersion uint8 = 1

// wireEnvelope is the CBOR layout: a map with small integer keys.
type wireEnvelope struct {
	Version   uint8             `cbor:"0,keyasint"`
	Kind      uint8             `cbor:"1,keyasint"`
	Name      string            `cbor:"2,keyasint,omitempty"`
	MessageId string            `cbor:"3,keyasint,omitempty"`
	Args      []cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	Result    cbor.RawMessage   `cbor:"5,keyasint,omitempty"`
	Error     *ErrorInfo        `cbor:"6,keyasint,omitempty"`
	Transfer  [][]byte          `cbor:"7,keyasint,omitempty"`
}

// EncodeEnvelope encodes an envelope to CBOR.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	return cbor.Marshal(wireEnvelope{
		Version:   ProtocolVersion,
		Kind:      uint8(env.Kind),
		Name:      env.Name,
		MessageId: env.MessageId,
		Args:      env.Args,
		Result:    env.Result,
		Error:     env.Error,
		Transfer:  env.Transfer,
	})
}

// DecodeEnvelope decodes CBOR bytes into an envelope. Structural problems
// are reported as ErrMalformed so the reader can drop the message and go on.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, malformed("cbor: %v", err)
	}
	if w.Version != ProtocolVersion {
		return nil, malformed("invalid version %d, expected %d", w.Version, ProtocolVersion)
	}
	env := &Envelope{
		Kind:      Kind(w.Kind),
		Name:      w.Name,
		MessageId: w.MessageId,
		Args:      w.Args,
		Result:    w.Result,
		Error:     w.Error,
		Transfer:  w.Transfer,
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// jsonEnvelope is the layout used on JSON transports (native messaging).
type jsonEnvelope struct {
	Type      string            `json:"type"`
	Name      string            `json:"name,omitempty"`
	MessageId string            `json:"messageId,omitempty"`
	Args      []json.RawMessage `json:"args,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     *ErrorInfo        `json:"error,omitempty"`
	Transfer  [][]byte          `json:"transfer,omitempty"`
}

// EncodeEnvelopeJSON encodes an envelope as JSON. Values must be JSON
// representable; transfer buffers travel base64-encoded.
func EncodeEnvelopeJSON(env *Envelope) ([]byte, error) {
	out := jsonEnvelope{
		Type:      env.Kind.String(),
		Name:      env.Name,
		MessageId: env.MessageId,
		Error:     env.Error,
		Transfer:  env.Transfer,
	}
	for i, raw := range env.Args {
		j, err := cborToJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out.Args = append(out.Args, j)
	}
	if len(env.Result) > 0 {
		j, err := cborToJSON(env.Result)
		if err != nil {
			return nil, fmt.Errorf("result: %w", err)
		}
		out.Result = j
	}
	return json.Marshal(out)
}

// DecodeEnvelopeJSON decodes a JSON envelope.
func DecodeEnvelopeJSON(data []byte) (*Envelope, error) {
	var in jsonEnvelope
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, malformed("json: %v", err)
	}
	kind, ok := kindFromString(in.Type)
	if !ok {
		return nil, malformed("unknown type %q", in.Type)
	}
	env := &Envelope{
		Kind:      kind,
		Name:      in.Name,
		MessageId: in.MessageId,
		Error:     in.Error,
		Transfer:  in.Transfer,
	}
	for i, j := range in.Args {
		raw, err := jsonToCBOR(j)
		if err != nil {
			return nil, malformed("argument %d: %v", i, err)
		}
		env.Args = append(env.Args, raw)
	}
	if len(in.Result) > 0 {
		raw, err := jsonToCBOR(in.Result)
		if err != nil {
			return nil, malformed("result: %v", err)
		}
		env.Result = raw
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

const jsonTransferKey = "$transfer"

func cborToJSON(raw cbor.RawMessage) (json.RawMessage, error) {
	idx, isRef, err := transferIndex(raw)
	if err != nil {
		return nil, err
	}
	if isRef {
		return json.Marshal(map[string]uint64{jsonTransferKey: idx})
	}
	var v interface{}
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func jsonToCBOR(raw json.RawMessage) (cbor.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]interface{}); ok && len(m) == 1 {
		if n, ok := m[jsonTransferKey].(json.Number); ok {
			idx, err := n.Int64()
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid transfer reference %q", n)
			}
			return cbor.Marshal(cbor.Tag{Number: transferTag, Content: uint64(idx)})
		}
	}
	return cbor.Marshal(normalizeJSON(v))
}

// normalizeJSON turns json.Number into int64 where possible so integers
// survive the trip back into CBOR.
func normalizeJSON(v interface{}) interface{} {
	switch tv := v.(type) {
	case json.Number:
		if i, err := tv.Int64(); err == nil {
			return i
		}
		f, _ := tv.Float64()
		return f
	case map[string]interface{}:
		for k, e := range tv {
			tv[k] = normalizeJSON(e)
		}
		return tv
	case []interface{}:
		for i, e := range tv {
			tv[i] = normalizeJSON(e)
		}
		return tv
	default:
		return v
	}
}
