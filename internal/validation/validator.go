// Package validation rejects transactions that no sane dapp would ask a
// user to sign. It runs before a prompt is shown and again after the chain
// adapter fills in gas and fees.
package validation

import (
	"fmt"
	"math/big"

	"github.com/better-wallet/walletbridge/internal/eth"
)

const (
	// MinTransferGas is the intrinsic gas of a plain value transfer
	MinTransferGas = 21000
	// MaxGasLimit is the block gas limit on mainnet
	MaxGasLimit = 30_000_000
	// MaxDataSize bounds calldata. Contract creation init code is capped at
	// 49152 bytes by EIP-3860; calldata rarely comes close.
	MaxDataSize = 128 * 1024
)

// MaxFeeCap is 100000 gwei
var MaxFeeCap = new(big.Int).SetUint64(100_000_000_000_000)

// Limits tunes the checks. The zero value uses the package defaults.
type Limits struct {
	MaxValue    *big.Int // nil means no cap
	MaxDataSize int
	MaxGasLimit uint64
	MaxFeeCap   *big.Int
}

func (l Limits) withDefaults() Limits {
	if l.MaxDataSize == 0 {
		l.MaxDataSize = MaxDataSize
	}
	if l.MaxGasLimit == 0 {
		l.MaxGasLimit = MaxGasLimit
	}
	if l.MaxFeeCap == nil {
		l.MaxFeeCap = MaxFeeCap
	}
	return l
}

// ValidateTransactionValue checks value against an optional ceiling
func ValidateTransactionValue(value *big.Int, maxValue *big.Int) error {
	if value == nil {
		return nil
	}
	if value.Sign() < 0 {
		return fmt.Errorf("value cannot be negative")
	}
	if maxValue != nil && value.Cmp(maxValue) > 0 {
		return fmt.Errorf("value exceeds maximum allowed: %s > %s", value, maxValue)
	}
	return nil
}

// ValidateGasParameters checks whichever gas fields are set. Zero gas and
// nil fees mean "let the chain adapter estimate".
func ValidateGasParameters(gasLimit uint64, gasFeeCap, gasTipCap *big.Int, l Limits) error {
	l = l.withDefaults()
	if gasLimit != 0 {
		if gasLimit < MinTransferGas {
			return fmt.Errorf("gas limit too low: minimum %d", MinTransferGas)
		}
		if gasLimit > l.MaxGasLimit {
			return fmt.Errorf("gas limit too high: maximum %d", l.MaxGasLimit)
		}
	}

	if gasFeeCap != nil {
		if gasFeeCap.Sign() <= 0 {
			return fmt.Errorf("gas fee cap must be positive")
		}
		if gasFeeCap.Cmp(l.MaxFeeCap) > 0 {
			return fmt.Errorf("gas fee cap too high: maximum %s wei", l.MaxFeeCap)
		}
	}
	if gasTipCap != nil && gasTipCap.Sign() < 0 {
		return fmt.Errorf("gas tip cap cannot be negative")
	}
	if gasFeeCap != nil && gasTipCap != nil && gasTipCap.Cmp(gasFeeCap) > 0 {
		return fmt.Errorf("gas tip cap cannot exceed gas fee cap")
	}
	return nil
}

// ValidateTransactionData bounds the calldata size
func ValidateTransactionData(data []byte, maxDataSize int) error {
	if maxDataSize > 0 && len(data) > maxDataSize {
		return fmt.Errorf("transaction data too large: %d bytes > %d bytes max", len(data), maxDataSize)
	}
	return nil
}

// ValidateTransaction runs every check against a parsed transaction
func ValidateTransaction(tx *eth.Tx, l Limits) error {
	l = l.withDefaults()
	if tx.ChainID != nil && tx.ChainID.Sign() <= 0 {
		return fmt.Errorf("chain ID must be positive")
	}
	if err := ValidateTransactionValue(tx.Value, l.MaxValue); err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}
	if err := ValidateGasParameters(tx.Gas, tx.GasFeeCap, tx.GasTipCap, l); err != nil {
		return fmt.Errorf("invalid gas parameters: %w", err)
	}
	if err := ValidateTransactionData(tx.Data, l.MaxDataSize); err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}
	return nil
}
