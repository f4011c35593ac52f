package eth

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TxArgs is the transaction object of eth_sendTransaction and eth_signTransaction
type TxArgs struct {
	From                 string `json:"from"`
	To                   string `json:"to,omitempty"`
	Value                string `json:"value,omitempty"`
	Data                 string `json:"data,omitempty"`
	Input                string `json:"input,omitempty"`
	Gas                  string `json:"gas,omitempty"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                string `json:"nonce,omitempty"`
	ChainID              string `json:"chainId,omitempty"`
}

// Tx is a parsed TxArgs. Zero or nil fields are filled from the chain.
type Tx struct {
	From      common.Address
	To        *common.Address // nil for contract creation
	Value     *big.Int
	Data      []byte
	Gas       uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
	Nonce     *uint64
	ChainID   *big.Int
}

// ParseTxParams decodes a positional params array whose first element is a
// transaction object
func ParseTxParams(params json.RawMessage) (*Tx, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("expected [transaction]")
	}
	var args TxArgs
	if err := json.Unmarshal(raw[0], &args); err != nil {
		return nil, fmt.Errorf("invalid transaction object: %w", err)
	}
	return args.Parse()
}

// Parse validates every field of a
func (a TxArgs) Parse() (*Tx, error) {
	if !common.IsHexAddress(a.From) {
		return nil, fmt.Errorf("invalid from address: %q", a.From)
	}
	tx := &Tx{From: common.HexToAddress(a.From)}

	if a.To != "" {
		if !common.IsHexAddress(a.To) {
			return nil, fmt.Errorf("invalid to address: %q", a.To)
		}
		to := common.HexToAddress(a.To)
		tx.To = &to
	}

	var err error
	if tx.Value, err = parseHexBigInt(a.Value); err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}

	data := a.Input
	if data == "" {
		data = a.Data
	}
	if data != "" {
		if tx.Data, err = hexutil.Decode(data); err != nil {
			return nil, fmt.Errorf("invalid data: must be 0x-prefixed hex")
		}
	}
	if tx.To == nil && len(tx.Data) == 0 {
		return nil, fmt.Errorf("contract creation requires data")
	}

	if a.Gas != "" {
		if tx.Gas, err = parseHexUint64(a.Gas); err != nil {
			return nil, fmt.Errorf("invalid gas: %w", err)
		}
	}

	switch {
	case a.MaxFeePerGas != "" || a.MaxPriorityFeePerGas != "":
		if a.MaxFeePerGas != "" {
			if tx.GasFeeCap, err = parseHexBigInt(a.MaxFeePerGas); err != nil {
				return nil, fmt.Errorf("invalid maxFeePerGas: %w", err)
			}
		}
		if a.MaxPriorityFeePerGas != "" {
			if tx.GasTipCap, err = parseHexBigInt(a.MaxPriorityFeePerGas); err != nil {
				return nil, fmt.Errorf("invalid maxPriorityFeePerGas: %w", err)
			}
		}
		if tx.GasFeeCap != nil && tx.GasTipCap != nil && tx.GasFeeCap.Cmp(tx.GasTipCap) < 0 {
			return nil, fmt.Errorf("maxFeePerGas is below maxPriorityFeePerGas")
		}
	case a.GasPrice != "":
		// A legacy gas price becomes a dynamic fee tx paying exactly that price
		price, err := parseHexBigInt(a.GasPrice)
		if err != nil {
			return nil, fmt.Errorf("invalid gasPrice: %w", err)
		}
		tx.GasFeeCap = price
		tx.GasTipCap = new(big.Int).Set(price)
	}

	if a.Nonce != "" {
		nonce, err := parseHexUint64(a.Nonce)
		if err != nil {
			return nil, fmt.Errorf("invalid nonce: %w", err)
		}
		tx.Nonce = &nonce
	}

	if a.ChainID != "" {
		if tx.ChainID, err = parseHexBigInt(a.ChainID); err != nil {
			return nil, fmt.Errorf("invalid chainId: %w", err)
		}
	}

	return tx, nil
}

// parseHexBigInt parses a 0x hex quantity. Decimal strings are accepted for
// callers that send plain numbers.
func parseHexBigInt(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if len(s) == 2 {
			return new(big.Int), nil
		}
		v := new(big.Int)
		if _, ok := v.SetString(s[2:], 16); ok && v.Sign() >= 0 {
			return v, nil
		}
		return nil, fmt.Errorf("invalid hex value: %s", s)
	}

	v := new(big.Int)
	if _, ok := v.SetString(s, 10); ok && v.Sign() >= 0 {
		return v, nil
	}

	return nil, fmt.Errorf("invalid value (expected 0x hex or decimal): %s", s)
}

// parseHexUint64 parses a hex quantity into uint64
func parseHexUint64(s string) (uint64, error) {
	v, err := parseHexBigInt(s)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("value too large for uint64: %s", s)
	}
	return v.Uint64(), nil
}

// ParseChainID parses a chain ID quantity as sent by wallet_switchEthereumChain
func ParseChainID(s string) (int64, error) {
	v, err := parseHexBigInt(s)
	if err != nil {
		return 0, err
	}
	if v.Sign() <= 0 || !v.IsInt64() {
		return 0, fmt.Errorf("chain ID out of range: %s", s)
	}
	return v.Int64(), nil
}
