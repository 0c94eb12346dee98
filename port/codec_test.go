package port

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TEST001: request envelope survives a CBOR roundtrip with args intact
func Test001_request_cbor_roundtrip(t *testing.T) {
	id := NewMessageId()
	original, err := NewRequest("file:request", id, "abc123", 42)
	require.NoError(t, err)

	data, err := EncodeEnvelope(original)
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)

	assert.Equal(t, KindEvent, decoded.Kind)
	assert.Equal(t, "file:request", decoded.Name)
	assert.Equal(t, id, decoded.MessageId)
	assert.True(t, decoded.IsRequest())

	var s string
	var n int
	require.NoError(t, decoded.DecodeArg(0, &s))
	require.NoError(t, decoded.DecodeArg(1, &n))
	assert.Equal(t, "abc123", s)
	assert.Equal(t, 42, n)
	assert.Error(t, decoded.DecodeArg(2, &n), "out of range argument must fail")
}

// TEST002: error envelope keeps code and message
func Test002_error_cbor_roundtrip(t *testing.T) {
	original := NewError("m-1", CodeHandlerNotFound, "no handler")
	data, err := EncodeEnvelope(original)
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)

	require.NotNil(t, decoded.Error)
	assert.Equal(t, KindError, decoded.Kind)
	assert.Equal(t, CodeHandlerNotFound, decoded.Error.Code)
	assert.Equal(t, "no handler", decoded.Error.Message)
	assert.ErrorIs(t, decoded.remoteError(), ErrHandlerNotFound)
}

// TEST003: structurally invalid envelopes are rejected as malformed
func Test003_validate_rejects_malformed(t *testing.T) {
	cases := []*Envelope{
		{Kind: KindEvent},
		{Kind: KindEvent, Name: NameResult},
		{Kind: KindResult},
		{Kind: KindError, MessageId: "x"},
		{Kind: KindResult, MessageId: "x", Error: &ErrorInfo{Message: "both"}},
		{Kind: Kind(9), Name: "x"},
	}
	for _, env := range cases {
		assert.ErrorIs(t, env.Validate(), ErrMalformed, "kind=%v name=%q", env.Kind, env.Name)
	}
}

// TEST004: wrong protocol version and garbage bytes decode as malformed
func Test004_decode_rejects_bad_input(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)

	data, err := cbor.Marshal(wireEnvelope{Version: 7, Kind: uint8(KindEvent), Name: "x"})
	require.NoError(t, err)
	_, err = DecodeEnvelope(data)
	assert.ErrorIs(t, err, ErrMalformed)
}

// TEST005: transfer buffers move into the transfer list and resolve back
func Test005_transfer_buffers_resolve(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	env, err := NewEvent("file:store", "meta", Transfer(buf))
	require.NoError(t, err)
	require.Len(t, env.Transfer, 1)

	data, err := EncodeEnvelope(env)
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)

	var got []byte
	require.NoError(t, decoded.DecodeArg(1, &got))
	assert.Equal(t, buf, got)

	var wrong int
	assert.Error(t, decoded.DecodeArg(1, &wrong), "transfer buffer cannot decode into int")
}

// TEST006: JSON codec keeps args, results and transfer references
func Test006_json_roundtrip(t *testing.T) {
	env, err := NewRequest("storage.local.set", "m-2", map[string]interface{}{"k": "v", "n": 3}, Transfer([]byte("raw")))
	require.NoError(t, err)

	data, err := EncodeEnvelopeJSON(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"event"`)
	assert.Contains(t, string(data), `"$transfer":0`)

	decoded, err := DecodeEnvelopeJSON(data)
	require.NoError(t, err)
	assert.Equal(t, "storage.local.set", decoded.Name)

	var m map[string]interface{}
	require.NoError(t, decoded.DecodeArg(0, &m))
	assert.Equal(t, "v", m["k"])
	assert.EqualValues(t, 3, m["n"])

	var raw []byte
	require.NoError(t, decoded.DecodeArg(1, &raw))
	assert.Equal(t, "raw", string(raw))

	res, err := NewResult("m-2", []string{"a", "b"})
	require.NoError(t, err)
	data, err = EncodeEnvelopeJSON(res)
	require.NoError(t, err)
	decoded, err = DecodeEnvelopeJSON(data)
	require.NoError(t, err)
	var list []string
	require.NoError(t, decoded.DecodeResult(&list))
	assert.Equal(t, []string{"a", "b"}, list)
}

// TEST007: JSON envelope with unknown type is malformed
func Test007_json_unknown_type(t *testing.T) {
	_, err := DecodeEnvelopeJSON([]byte(`{"type":"bogus","name":"x"}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeEnvelopeJSON([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

// TEST008: reserved names are exactly the control names
func Test008_reserved_names(t *testing.T) {
	for _, n := range []string{"init", "result", "error"} {
		assert.True(t, IsReserved(n), n)
	}
	assert.False(t, IsReserved("console"))
	assert.Equal(t, "event", KindEvent.String())
	assert.Equal(t, "init", KindInit.String())
}
