package app

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/better-wallet/walletbridge/internal/approval"
	"github.com/better-wallet/walletbridge/internal/eth"
	"github.com/better-wallet/walletbridge/internal/logger"
	"github.com/better-wallet/walletbridge/internal/queue"
	"github.com/better-wallet/walletbridge/internal/session"
	"github.com/better-wallet/walletbridge/internal/transport"
	"github.com/better-wallet/walletbridge/internal/validation"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
	"github.com/better-wallet/walletbridge/pkg/types"
)

var supportedMethods = map[string]bool{
	types.MethodRequestAccounts:      true,
	types.MethodAccounts:             true,
	types.MethodChainID:              true,
	types.MethodNetVersion:           true,
	types.MethodSendTransaction:      true,
	types.MethodSignTransaction:      true,
	types.MethodPersonalSign:         true,
	types.MethodEthSign:              true,
	types.MethodSignTypedDataV3:      true,
	types.MethodSignTypedDataV4:      true,
	types.MethodSwitchChain:          true,
	types.MethodGetPermissions:       true,
	types.MethodRequestPermissions:   true,
	types.MethodRevokePermissions:    true,
	types.MethodGetTransactionStatus: true,
}

func supported(method string) bool {
	return supportedMethods[method]
}

// Permission is an EIP-2255 permission object
type Permission struct {
	Invoker          string   `json:"invoker"`
	ParentCapability string   `json:"parentCapability"`
	Date             int64    `json:"date"`
	Caveats          []Caveat `json:"caveats"`
}

// Caveat narrows a Permission
type Caveat struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// connectPayload is what the approval surface sends with a connect verdict
type connectPayload struct {
	Accounts []common.Address `json:"accounts"`
}

// validate rejects requests that could never succeed before the user is
// asked to unlock or approve anything
func (p *Provider) validate(ctx context.Context, req *queue.Request) error {
	switch req.Method {
	case types.MethodSendTransaction, types.MethodSignTransaction:
		tx, err := eth.ParseTxParams(req.Params)
		if err != nil {
			return apperrors.InvalidParams(err.Error())
		}
		if err := validation.ValidateTransaction(tx, p.opts.TxLimits); err != nil {
			return apperrors.InvalidParams(err.Error())
		}
		if tx.ChainID != nil && tx.ChainID.Int64() != p.chains.Current() {
			return apperrors.InvalidParams(fmt.Sprintf("chainId %s does not match the selected chain", tx.ChainID))
		}
		if _, err := p.chains.Get(p.chains.Current()); err != nil {
			return err
		}
		return p.authorize(ctx, req.Origin, tx.From)

	case types.MethodPersonalSign, types.MethodEthSign:
		from, _, err := eth.ParseMessageParams(req.Method, req.Params)
		if err != nil {
			return apperrors.InvalidParams(err.Error())
		}
		return p.authorize(ctx, req.Origin, from)

	case types.MethodSignTypedDataV3, types.MethodSignTypedDataV4:
		from, data, err := eth.ParseTypedDataParams(req.Params)
		if err != nil {
			return apperrors.InvalidParams(err.Error())
		}
		if data.Domain.ChainId != nil {
			if id := (*big.Int)(data.Domain.ChainId); id.Int64() != p.chains.Current() {
				return apperrors.InvalidParams(fmt.Sprintf("domain chainId %s does not match the selected chain", id))
			}
		}
		return p.authorize(ctx, req.Origin, from)

	case types.MethodSwitchChain:
		id, err := eth.ParseSwitchChainParams(req.Params)
		if err != nil {
			return apperrors.InvalidParams(err.Error())
		}
		if !p.chains.Known(id) {
			return apperrors.UnrecognizedChain(hexutil.EncodeUint64(uint64(id)))
		}

	case types.MethodGetTransactionStatus:
		if _, err := parseHashParam(req.Params); err != nil {
			return apperrors.InvalidParams(err.Error())
		}
	}
	return nil
}

// authorize fails ErrUnauthorized unless origin was granted from
func (p *Provider) authorize(ctx context.Context, origin string, from common.Address) error {
	granted, err := p.perms.IsGranted(ctx, origin)
	if err != nil {
		return err
	}
	for _, a := range granted {
		if a == from {
			return nil
		}
	}
	return apperrors.ErrUnauthorized
}

// execute performs the effect of an admitted, and where needed approved, request
func (p *Provider) execute(ctx context.Context, req *queue.Request, verdict approval.Verdict) (any, error) {
	switch req.Method {
	case types.MethodChainID:
		return hexutil.EncodeUint64(uint64(p.chains.Current())), nil

	case types.MethodNetVersion:
		return strconv.FormatInt(p.chains.Current(), 10), nil

	case types.MethodAccounts:
		return p.visibleAccounts(ctx, req.Origin)

	case types.MethodRequestAccounts:
		return p.connect(ctx, req, verdict)

	case types.MethodRequestPermissions:
		if _, err := p.connect(ctx, req, verdict); err != nil {
			return nil, err
		}
		return p.permissions(ctx, req.Origin)

	case types.MethodGetPermissions:
		return p.permissions(ctx, req.Origin)

	case types.MethodRevokePermissions:
		revoked, err := p.perms.Revoke(ctx, req.Origin)
		if err != nil {
			return nil, err
		}
		if revoked {
			logger.Info(ctx, "origin disconnected itself")
			p.emit(req.Origin, transport.AccountsChanged(nil))
		}
		return nil, nil

	case types.MethodSwitchChain:
		id, err := eth.ParseSwitchChainParams(req.Params)
		if err != nil {
			return nil, apperrors.InvalidParams(err.Error())
		}
		changed, err := p.chains.Switch(id)
		if err != nil {
			return nil, err
		}
		if changed {
			logger.Info(ctx, "chain switched", "chain_id", id)
			p.emit("", transport.ChainChanged(hexutil.EncodeUint64(uint64(id))))
		}
		return nil, nil

	case types.MethodPersonalSign, types.MethodEthSign:
		return p.signMessage(ctx, req)

	case types.MethodSignTypedDataV3, types.MethodSignTypedDataV4:
		return p.signTypedData(ctx, req)

	case types.MethodSignTransaction:
		signed, err := p.signTransaction(ctx, req)
		if err != nil {
			return nil, err
		}
		raw, err := signed.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to encode transaction: %w", err)
		}
		return hexutil.Encode(raw), nil

	case types.MethodSendTransaction:
		signed, err := p.signTransaction(ctx, req)
		if err != nil {
			return nil, err
		}
		adapter, err := p.chains.Get(signed.ChainId().Int64())
		if err != nil {
			return nil, err
		}
		hash, err := adapter.Broadcast(ctx, signed)
		if err != nil {
			return nil, err
		}
		logger.Info(ctx, "transaction broadcast", "tx_hash", hash.Hex(), "chain_id", signed.ChainId())
		return hash.Hex(), nil

	case types.MethodGetTransactionStatus:
		hash, err := parseHashParam(req.Params)
		if err != nil {
			return nil, apperrors.InvalidParams(err.Error())
		}
		status, err := p.chains.Status(ctx, p.chains.Current(), hash)
		if err != nil {
			return nil, err
		}
		return string(status), nil
	}

	return nil, apperrors.UnsupportedMethod(req.Method)
}

// visibleAccounts is what eth_accounts reports: the granted accounts while
// unlocked, nothing while locked
func (p *Provider) visibleAccounts(ctx context.Context, origin string) ([]common.Address, error) {
	if !p.sessions.IsUnlocked() {
		return []common.Address{}, nil
	}
	return p.perms.IsGranted(ctx, origin)
}

// connect returns the accounts origin may see, recording a grant when the
// user just approved one
func (p *Provider) connect(ctx context.Context, req *queue.Request, verdict approval.Verdict) ([]common.Address, error) {
	available := p.sessions.CurrentAccounts()
	if len(available) == 0 {
		return nil, apperrors.ErrLocked
	}

	if !req.Gated {
		// already connected; no prompt was shown
		return p.perms.IsGranted(ctx, req.Origin)
	}

	chosen := available
	if len(verdict.Payload) > 0 && string(verdict.Payload) != "null" {
		var payload connectPayload
		if err := json.Unmarshal(verdict.Payload, &payload); err != nil {
			return nil, apperrors.InvalidParams("approval payload: " + err.Error())
		}
		if len(payload.Accounts) > 0 {
			chosen = payload.Accounts
		}
	}
	for _, a := range chosen {
		if !containsAddress(available, a) {
			return nil, apperrors.InvalidParams(fmt.Sprintf("account %s is not in the wallet", a.Hex()))
		}
	}

	grant, err := p.perms.Grant(ctx, req.Origin, chosen, p.chains.Current())
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "origin connected", "accounts", len(grant.Accounts))
	p.emit(req.Origin, transport.AccountsChanged(grant.Accounts))
	return grant.Accounts, nil
}

func (p *Provider) permissions(ctx context.Context, origin string) ([]Permission, error) {
	grant, ok, err := p.perms.Get(ctx, origin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Permission{}, nil
	}
	return []Permission{{
		Invoker:          grant.Origin,
		ParentCapability: types.MethodAccounts,
		Date:             grant.GrantedAt.UnixMilli(),
		Caveats: []Caveat{{
			Type:  "restrictReturnedAccounts",
			Value: grant.Accounts,
		}},
	}}, nil
}

func (p *Provider) signMessage(ctx context.Context, req *queue.Request) (string, error) {
	from, msg, err := eth.ParseMessageParams(req.Method, req.Params)
	if err != nil {
		return "", apperrors.InvalidParams(err.Error())
	}
	h, err := p.signer(ctx, req.Origin, from)
	if err != nil {
		return "", err
	}
	sig, err := p.oracle.SignPersonal(ctx, h, from, msg)
	if err != nil {
		return "", err
	}
	logger.Info(ctx, "message signed", "account", from.Hex())
	return hexutil.Encode(sig), nil
}

func (p *Provider) signTypedData(ctx context.Context, req *queue.Request) (string, error) {
	from, data, err := eth.ParseTypedDataParams(req.Params)
	if err != nil {
		return "", apperrors.InvalidParams(err.Error())
	}
	h, err := p.signer(ctx, req.Origin, from)
	if err != nil {
		return "", err
	}
	sig, err := p.oracle.SignTypedData(ctx, h, from, data)
	if err != nil {
		return "", err
	}
	logger.Info(ctx, "typed data signed", "account", from.Hex(), "primary_type", data.PrimaryType)
	return hexutil.Encode(sig), nil
}

func (p *Provider) signTransaction(ctx context.Context, req *queue.Request) (*ethtypes.Transaction, error) {
	tx, err := eth.ParseTxParams(req.Params)
	if err != nil {
		return nil, apperrors.InvalidParams(err.Error())
	}
	h, err := p.signer(ctx, req.Origin, tx.From)
	if err != nil {
		return nil, err
	}
	adapter, err := p.chains.Get(p.chains.Current())
	if err != nil {
		return nil, err
	}
	unsigned, err := adapter.Prepare(ctx, tx)
	if err != nil {
		return nil, err
	}
	// estimates can still be out of bounds
	if err := validation.ValidateGasParameters(unsigned.Gas(), unsigned.GasFeeCap(), unsigned.GasTipCap(), p.opts.TxLimits); err != nil {
		return nil, apperrors.InvalidParams(err.Error())
	}
	return p.oracle.SignTransaction(ctx, h, tx.From, unsigned, adapter.ChainID())
}

// signer re-checks the grant, which may have been revoked while the prompt
// was open, and returns the live session handle
func (p *Provider) signer(ctx context.Context, origin string, from common.Address) (session.Handle, error) {
	if err := p.authorize(ctx, origin, from); err != nil {
		return "", err
	}
	return p.sessions.Current()
}

func parseHashParam(params json.RawMessage) (common.Hash, error) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil {
		return common.Hash{}, fmt.Errorf("expected [hash]: %w", err)
	}
	if len(args) != 1 {
		return common.Hash{}, fmt.Errorf("expected [hash]")
	}
	b, err := hexutil.Decode(args[0])
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", args[0])
	}
	return common.BytesToHash(b), nil
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
