package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	data, err := EncodeCall("m1", "Reset", map[string]any{"type": "Hard"})
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"m1","Reset",{"type":"Hard"}]`, string(data))

	data, err = EncodeCall("m2", "ClearCache", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"m2","ClearCache",{}]`, string(data))

	data, err = EncodeResult("m3", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[3,"m3",{}]`, string(data))

	data, err = EncodeError("m4", ErrNotImplemented, "no handler", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[4,"m4","NotImplemented","no handler",{}]`, string(data))
}

func TestDecode(t *testing.T) {
	f, err := Decode([]byte(`[2,"m1","BootNotification",{"chargePointModel":"X"}]`))
	require.NoError(t, err)
	assert.Equal(t, Call, f.Type)
	assert.Equal(t, "m1", f.MessageID)
	assert.Equal(t, "BootNotification", f.Action)
	assert.Equal(t, "X", f.Payload["chargePointModel"])

	f, err = Decode([]byte(`[3,"m2",{"status":"Accepted"}]`))
	require.NoError(t, err)
	assert.Equal(t, CallResult, f.Type)
	assert.Equal(t, "Accepted", f.Payload["status"])

	f, err = Decode([]byte(`[3,"m2",null]`))
	require.NoError(t, err)
	assert.Nil(t, f.Payload)

	f, err = Decode([]byte(`[4,"m3","InternalError","boom",{"reason":"x"}]`))
	require.NoError(t, err)
	assert.Equal(t, CallError, f.Type)
	assert.Equal(t, "InternalError", f.ErrorCode)
	assert.Equal(t, "boom", f.ErrorDescription)
	assert.Equal(t, "x", f.ErrorDetails["reason"])

	f, err = Decode([]byte(`[4,"m3","InternalError"]`))
	require.NoError(t, err)
	assert.Empty(t, f.ErrorDescription)
}

func TestDecodeMalformed(t *testing.T) {
	for _, input := range []string{
		`{}`,
		`[2,"m1"]`,
		`["2","m1","Reset",{}]`,
		`[2,1,"Reset",{}]`,
		`[9,"m1","Reset",{}]`,
		`not json`,
	} {
		_, err := Decode([]byte(input))
		assert.ErrorIs(t, err, ErrMalformed, input)
	}

	// the id survives so the caller can answer
	f, err := Decode([]byte(`[2,"m1","Reset","payload"]`))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, "m1", f.MessageID)
	assert.Equal(t, "CALL", Call.String())
}
