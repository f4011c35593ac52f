package vault

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/walletbridge/internal/crypto"
	"github.com/better-wallet/walletbridge/pkg/types"
)

func deriveAccount(seed []byte, network string, index uint32) (types.Account, error) {
	path := crypto.AccountPath(index)
	addr, err := crypto.DeriveAddress(seed, path)
	if err != nil {
		return types.Account{}, err
	}
	return types.Account{
		Address: addr,
		Network: network,
		Index:   index,
		Path:    path.String(),
	}, nil
}

func deriveDefaultAccounts(seed []byte, n int) ([]types.Account, error) {
	out := make([]types.Account, 0, n)
	for i := 0; i < n; i++ {
		acct, err := deriveAccount(seed, types.ChainTypeEthereum, uint32(i))
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

func mergeAccounts(existing, extra []types.Account) []types.Account {
	out := append([]types.Account(nil), existing...)
	for _, a := range extra {
		if !hasAccount(out, a.Address) {
			out = append(out, a)
		}
	}
	return out
}

func hasAccount(accounts []types.Account, addr common.Address) bool {
	for _, a := range accounts {
		if a.Address == addr {
			return true
		}
	}
	return false
}

func addresses(accounts []types.Account) []common.Address {
	out := make([]common.Address, len(accounts))
	for i, a := range accounts {
		out[i] = a.Address
	}
	return out
}
