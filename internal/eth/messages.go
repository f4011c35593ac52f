package eth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/better-wallet/walletbridge/pkg/types"
)

// ParseMessageParams decodes personal_sign ([message, address]) and
// eth_sign ([address, message]) params. Callers that swap the order of
// personal_sign are tolerated. A 0x-prefixed message is hex-decoded, any
// other string is signed as its UTF-8 bytes.
func ParseMessageParams(method string, params json.RawMessage) (common.Address, []byte, error) {
	var raw []string
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) < 2 {
		return common.Address{}, nil, fmt.Errorf("expected [message, address]")
	}

	msg, addr := raw[0], raw[1]
	if method == types.MethodEthSign {
		msg, addr = raw[1], raw[0]
	}
	if method == types.MethodPersonalSign && common.IsHexAddress(msg) && !common.IsHexAddress(addr) {
		msg, addr = addr, msg
	}
	if !common.IsHexAddress(addr) {
		return common.Address{}, nil, fmt.Errorf("invalid address: %q", addr)
	}

	payload, err := decodeMessage(msg)
	if err != nil {
		return common.Address{}, nil, err
	}
	return common.HexToAddress(addr), payload, nil
}

func decodeMessage(msg string) ([]byte, error) {
	if strings.HasPrefix(msg, "0x") || strings.HasPrefix(msg, "0X") {
		b, err := hexutil.Decode("0x" + msg[2:])
		if err != nil {
			return nil, fmt.Errorf("invalid hex message")
		}
		return b, nil
	}
	return []byte(msg), nil
}

// ParseTypedDataParams decodes eth_signTypedData_v3/v4 params
// ([address, typedData]) where typedData is either a JSON object or a JSON
// string holding one
func ParseTypedDataParams(params json.RawMessage) (common.Address, apitypes.TypedData, error) {
	var data apitypes.TypedData

	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) < 2 {
		return common.Address{}, data, fmt.Errorf("expected [address, typedData]")
	}

	var addr string
	if err := json.Unmarshal(raw[0], &addr); err != nil || !common.IsHexAddress(addr) {
		return common.Address{}, data, fmt.Errorf("invalid address")
	}

	body := []byte(raw[1])
	var encoded string
	if err := json.Unmarshal(raw[1], &encoded); err == nil {
		body = []byte(encoded)
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return common.Address{}, data, fmt.Errorf("invalid typed data: %w", err)
	}
	if data.PrimaryType == "" || len(data.Types) == 0 {
		return common.Address{}, data, fmt.Errorf("typed data requires types and primaryType")
	}
	return common.HexToAddress(addr), data, nil
}

// ParseSwitchChainParams decodes wallet_switchEthereumChain params ([{chainId}])
func ParseSwitchChainParams(params json.RawMessage) (int64, error) {
	var raw []struct {
		ChainID string `json:"chainId"`
	}
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) == 0 || raw[0].ChainID == "" {
		return 0, fmt.Errorf("expected [{chainId}]")
	}
	return ParseChainID(raw[0].ChainID)
}
