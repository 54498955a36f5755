package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargeplatform/control-plane/internal/domain/ocpp16"
)

func TestDecode_Call(t *testing.T) {
	f, err := Decode([]byte(`[2,"123","Heartbeat",{}]`))
	require.NoError(t, err)
	assert.True(t, f.IsCall())
	assert.Equal(t, "123", f.UniqueID)
	assert.Equal(t, "Heartbeat", f.Action)
}

func TestDecode_CallResult(t *testing.T) {
	f, err := Decode([]byte(`[3,"123",{"status":"Accepted"}]`))
	require.NoError(t, err)
	assert.Equal(t, ocpp16.CallResult, f.Type)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(f.Payload))
}

func TestDecode_CallError(t *testing.T) {
	f, err := Decode([]byte(`[4,"123","NotSupported","bad action",{}]`))
	require.NoError(t, err)
	assert.Equal(t, ocpp16.CallError, f.Type)
	assert.Equal(t, "NotSupported", f.ErrorCode)
}

func TestDecode_RejectsShortFrame(t *testing.T) {
	_, err := Decode([]byte(`[2,"123"]`))
	assert.Error(t, err)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeCall_RoundTrips(t *testing.T) {
	data, err := EncodeCall("abc", ocpp16.ActionRemoteStopTransaction, ocpp16.RemoteStopTransactionRequest{TransactionId: 7})
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "abc", f.UniqueID)
	assert.Equal(t, string(ocpp16.ActionRemoteStopTransaction), f.Action)
}

func TestMalformedFrameTracker_TripsAtThreshold(t *testing.T) {
	tr := NewMalformedFrameTracker(3, 10*time.Second)
	base := time.Now()

	assert.False(t, tr.Record(base))
	assert.False(t, tr.Record(base.Add(time.Second)))
	assert.True(t, tr.Record(base.Add(2*time.Second)))
}

func TestMalformedFrameTracker_WindowExpires(t *testing.T) {
	tr := NewMalformedFrameTracker(3, 10*time.Second)
	base := time.Now()

	tr.Record(base)
	tr.Record(base.Add(time.Second))
	assert.False(t, tr.Record(base.Add(20*time.Second)))
}
