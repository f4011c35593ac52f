package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxStatus is the chain-side state of a broadcast transaction
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Fee is the gas budget of a transaction
type Fee struct {
	GasLimit  uint64   `json:"gasLimit"`
	GasTipCap *big.Int `json:"maxPriorityFeePerGas"`
	GasFeeCap *big.Int `json:"maxFeePerGas"`
}

// MaxCost is the most the transaction can spend on gas, in wei
func (f *Fee) MaxCost() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(f.GasLimit), f.GasFeeCap)
}

// ChainAdapter is everything the wallet needs from one network
type ChainAdapter interface {
	ChainID() *big.Int
	EstimateFee(ctx context.Context, tx *Tx) (*Fee, error)
	Prepare(ctx context.Context, tx *Tx) (*types.Transaction, error)
	Broadcast(ctx context.Context, signed *types.Transaction) (common.Hash, error)
	GetStatus(ctx context.Context, hash common.Hash) (TxStatus, error)
	Close()
}

// backend is the slice of ethclient.Client the adapter uses
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Client adapts an Ethereum JSON-RPC endpoint
type Client struct {
	client  backend
	chainID *big.Int
}

var _ ChainAdapter = (*Client)(nil)

// NewClient dials rpcURL and auto-detects its chain ID
func NewClient(ctx context.Context, rpcURL string) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	c, err := newClient(ctx, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

func newClient(ctx context.Context, b backend) (*Client, error) {
	chainID, err := b.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return &Client{client: b, chainID: chainID}, nil
}

// ChainID returns the chain ID
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// EstimateFee fills in whatever gas fields tx leaves open
func (c *Client) EstimateFee(ctx context.Context, tx *Tx) (*Fee, error) {
	fee := &Fee{GasLimit: tx.Gas, GasTipCap: tx.GasTipCap, GasFeeCap: tx.GasFeeCap}

	if fee.GasLimit == 0 {
		msg := ethereum.CallMsg{
			From:  tx.From,
			To:    tx.To,
			Value: tx.Value,
			Data:  tx.Data,
		}
		gas, err := c.client.EstimateGas(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		// 20% headroom
		fee.GasLimit = gas * 120 / 100
	}

	if fee.GasTipCap == nil {
		tip, err := c.client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
		}
		fee.GasTipCap = tip
	}

	if fee.GasFeeCap == nil {
		price, err := c.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}
		// Twice the current price absorbs a few blocks of base fee growth
		fee.GasFeeCap = new(big.Int).Mul(price, big.NewInt(2))
	}
	if fee.GasFeeCap.Cmp(fee.GasTipCap) < 0 {
		fee.GasFeeCap = new(big.Int).Set(fee.GasTipCap)
	}

	return fee, nil
}

// Prepare builds the unsigned dynamic fee transaction for tx
func (c *Client) Prepare(ctx context.Context, tx *Tx) (*types.Transaction, error) {
	if tx.ChainID != nil && tx.ChainID.Cmp(c.chainID) != 0 {
		return nil, fmt.Errorf("transaction chain %s does not match network %s", tx.ChainID, c.chainID)
	}

	fee, err := c.EstimateFee(ctx, tx)
	if err != nil {
		return nil, err
	}

	var nonce uint64
	if tx.Nonce != nil {
		nonce = *tx.Nonce
	} else {
		nonce, err = c.client.PendingNonceAt(ctx, tx.From)
		if err != nil {
			return nil, fmt.Errorf("failed to get nonce: %w", err)
		}
	}

	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.ChainID(),
		Nonce:     nonce,
		GasTipCap: fee.GasTipCap,
		GasFeeCap: fee.GasFeeCap,
		Gas:       fee.GasLimit,
		To:        tx.To,
		Value:     value,
		Data:      tx.Data,
	}), nil
}

// Broadcast sends a signed transaction to the network
func (c *Client) Broadcast(ctx context.Context, signed *types.Transaction) (common.Hash, error) {
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed.Hash(), nil
}

// GetStatus reports whether hash is mined and whether it succeeded
func (c *Client) GetStatus(ctx context.Context, hash common.Hash) (TxStatus, error) {
	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TxPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return TxConfirmed, nil
	}
	return TxFailed, nil
}

// Close closes the client connection
func (c *Client) Close() {
	c.client.Close()
}
