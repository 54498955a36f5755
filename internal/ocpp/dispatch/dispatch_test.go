package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargeplatform/control-plane/internal/apperr"
	"github.com/chargeplatform/control-plane/internal/domain/ocpp16"
	"github.com/chargeplatform/control-plane/internal/ocpp/codec"
)

type capturingSender struct {
	sent chan []byte
}

func newCapturingSender() *capturingSender {
	return &capturingSender{sent: make(chan []byte, 4)}
}

func (s *capturingSender) Send(_ context.Context, data []byte) error {
	s.sent <- data
	return nil
}

func TestDispatcher_CallResolvedByResult(t *testing.T) {
	d := New(time.Second)
	sender := newCapturingSender()

	var result json.RawMessage
	var callErr error
	done := make(chan struct{})
	go func() {
		result, callErr = d.Call(context.Background(), sender, ocpp16.ActionRemoteStopTransaction, ocpp16.RemoteStopTransactionRequest{TransactionId: 1})
		close(done)
	}()

	data := <-sender.sent
	f, err := codec.Decode(data)
	require.NoError(t, err)

	ok := d.HandleResult(f.UniqueID, json.RawMessage(`{"status":"Accepted"}`))
	assert.True(t, ok)

	<-done
	require.NoError(t, callErr)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(result))
}

func TestDispatcher_CallResolvedByError(t *testing.T) {
	d := New(time.Second)
	sender := newCapturingSender()

	var callErr error
	done := make(chan struct{})
	go func() {
		_, callErr = d.Call(context.Background(), sender, ocpp16.ActionRemoteStartTransaction, struct{}{})
		close(done)
	}()

	data := <-sender.sent
	f, err := codec.Decode(data)
	require.NoError(t, err)

	d.HandleError(f.UniqueID, "OccurenceConstraintViolation", "connector occupied")

	<-done
	require.Error(t, callErr)
	assert.True(t, apperr.Is(callErr, apperr.Conflict))
}

func TestDispatcher_CallTimesOut(t *testing.T) {
	d := New(20 * time.Millisecond)
	sender := newCapturingSender()

	_, err := d.Call(context.Background(), sender, ocpp16.ActionRemoteStopTransaction, ocpp16.RemoteStopTransactionRequest{TransactionId: 1})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Timeout))
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatcher_HandleResult_UnknownUniqueID(t *testing.T) {
	d := New(time.Second)
	assert.False(t, d.HandleResult("nope", json.RawMessage(`{}`)))
}

func TestDispatcher_Sweep_ExpiresStalePendingCalls(t *testing.T) {
	d := New(10 * time.Millisecond)
	sender := newCapturingSender()

	var callErr error
	done := make(chan struct{})
	go func() {
		_, callErr = d.Call(context.Background(), sender, ocpp16.ActionRemoteStopTransaction, ocpp16.RemoteStopTransactionRequest{TransactionId: 1})
		close(done)
	}()
	<-sender.sent

	time.Sleep(20 * time.Millisecond)
	d.Sweep()

	<-done
	require.Error(t, callErr)
	assert.True(t, apperr.Is(callErr, apperr.Timeout))
}
