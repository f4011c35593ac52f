package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Message
		wantErr bool
	}{
		{
			name:  "request",
			input: `{"type":"REQUEST","method":"eth_chainId","params":[],"requestId":"r1","origin":"https://app.example"}`,
			want:  Request{Method: "eth_chainId", Params: json.RawMessage(`[]`), RequestID: "r1", Origin: "https://app.example"},
		},
		{
			name:  "request without params",
			input: `{"type":"REQUEST","method":"eth_accounts","requestId":"r2","origin":"https://app.example"}`,
			want:  Request{Method: "eth_accounts", Params: json.RawMessage(`[]`), RequestID: "r2", Origin: "https://app.example"},
		},
		{
			name:    "request with object params",
			input:   `{"type":"REQUEST","method":"eth_accounts","params":{},"requestId":"r3","origin":"https://app.example"}`,
			wantErr: true,
		},
		{
			name:    "request without id",
			input:   `{"type":"REQUEST","method":"eth_accounts","origin":"https://app.example"}`,
			wantErr: true,
		},
		{
			name:    "request without origin",
			input:   `{"type":"REQUEST","method":"eth_accounts","requestId":"r4"}`,
			wantErr: true,
		},
		{
			name:  "response",
			input: `{"type":"RESPONSE","requestId":"r1","success":true,"data":"0x1"}`,
			want:  Response{RequestID: "r1", Success: true, Data: json.RawMessage(`"0x1"`)},
		},
		{
			name:    "response without id",
			input:   `{"type":"RESPONSE","success":true}`,
			wantErr: true,
		},
		{
			name:  "event",
			input: `{"type":"EVENT","event":"CHAIN_CHANGED","data":"0x89"}`,
			want:  Event{Event: "CHAIN_CHANGED", Data: json.RawMessage(`"0x89"`)},
		},
		{
			name:    "event without name",
			input:   `{"type":"EVENT","data":{}}`,
			wantErr: true,
		},
		{
			name:  "resume",
			input: `{"type":"RESUME","requestIds":["a","b"]}`,
			want:  Resume{RequestIDs: []string{"a", "b"}},
		},
		{
			name:    "not json",
			input:   `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"PING"}`))
	assert.True(t, errors.Is(err, ErrUnknownType))

	_, err = Decode([]byte(`{"method":"eth_accounts"}`))
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestEncode_TagsType(t *testing.T) {
	data, err := Encode(Resume{RequestIDs: []string{"x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"RESUME","requestIds":["x"]}`, string(data))

	data, err = Encode(Result("r1", "0x1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"RESPONSE","requestId":"r1","success":true,"data":"0x1"}`, string(data))

	m, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "r1", m.(Response).RequestID)
}

func TestFailure_OnlyNormalizedErrorCrossesWire(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantRPC  int
	}{
		{"app error", apperrors.ErrUserRejected, apperrors.ErrCodeUserRejected, apperrors.RPCUserRejected},
		{"wrapped app error", fmt.Errorf("signing: %w", apperrors.ErrLocked), apperrors.ErrCodeLocked, apperrors.RPCUnauthorized},
		{"detail is dropped", apperrors.InvalidParams("seed phrase word 3 is wrong"), apperrors.ErrCodeInvalidParams, apperrors.RPCInvalidParams},
		{"plain error", errors.New("pq: connection refused to 10.0.0.3"), apperrors.ErrCodeInternalError, apperrors.RPCInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Failure("r1", tt.err)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantCode, resp.ErrorCode)
			assert.Equal(t, tt.wantRPC, resp.Code)

			data, err := Encode(resp)
			require.NoError(t, err)
			assert.NotContains(t, string(data), "seed phrase")
			assert.NotContains(t, string(data), "10.0.0.3")
			assert.NotContains(t, string(data), "signing:")

			assert.True(t, errors.Is(resp.Err(), apperrors.New(tt.wantCode, "", 0)))
		})
	}
}

func TestResponseErr(t *testing.T) {
	assert.NoError(t, Result("r1", true).Err())
	assert.ErrorIs(t, Failure("r1", apperrors.ErrTimeout).Err(), apperrors.ErrTimeout)
}

func TestEventPayloads(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aB")

	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"accounts", AccountsChanged([]common.Address{addr}), `{"type":"EVENT","event":"ACCOUNTS_CHANGED","data":{"accounts":["0x00000000000000000000000000000000000000ab"]}}`},
		{"no accounts", AccountsChanged(nil), `{"type":"EVENT","event":"ACCOUNTS_CHANGED","data":{"accounts":[]}}`},
		{"chain", ChainChanged("0x89"), `{"type":"EVENT","event":"CHAIN_CHANGED","data":{"chainId":"0x89"}}`},
		{"disconnect", Disconnect(), `{"type":"EVENT","event":"DISCONNECT","data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.ev)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			back, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.ev, back)
		})
	}
}
