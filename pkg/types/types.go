package types

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
)

// ChainType constants
const (
	ChainTypeEthereum = "ethereum"
)

// Account is a derived signing account. It carries no key material.
type Account struct {
	Address common.Address `json:"address"`
	Network string         `json:"network"`
	Index   uint32         `json:"index"`
	Path    string         `json:"path"`
}

// DerivationPath parses the stored path back into its components
func (a Account) DerivationPath() (accounts.DerivationPath, error) {
	return accounts.ParseDerivationPath(a.Path)
}

// OriginGrant records that the user exposed accounts to a page origin
type OriginGrant struct {
	Origin    string           `json:"origin"`
	Accounts  []common.Address `json:"accounts"`
	ChainID   int64            `json:"chain_id"`
	GrantedAt time.Time        `json:"granted_at"`
}

// Provider method names
const (
	MethodRequestAccounts      = "eth_requestAccounts"
	MethodAccounts             = "eth_accounts"
	MethodChainID              = "eth_chainId"
	MethodNetVersion           = "net_version"
	MethodSendTransaction      = "eth_sendTransaction"
	MethodSignTransaction      = "eth_signTransaction"
	MethodPersonalSign         = "personal_sign"
	MethodEthSign              = "eth_sign"
	MethodSignTypedData        = "eth_signTypedData"
	MethodSignTypedDataV3      = "eth_signTypedData_v3"
	MethodSignTypedDataV4      = "eth_signTypedData_v4"
	MethodSwitchChain          = "wallet_switchEthereumChain"
	MethodGetPermissions       = "wallet_getPermissions"
	MethodRequestPermissions   = "wallet_requestPermissions"
	MethodRevokePermissions    = "wallet_revokePermissions"
	MethodGetTransactionStatus = "wallet_getTransactionStatus"
)

// SigningMethod represents the kind of signature a request asks for
type SigningMethod string

const (
	SignMethodTransaction SigningMethod = "sign_transaction"
	SignMethodPersonal    SigningMethod = "personal_sign"
	SignMethodTypedData   SigningMethod = "sign_typed_data"
)

// AllSigningMethods returns every supported signing method
func AllSigningMethods() []SigningMethod {
	return []SigningMethod{SignMethodTransaction, SignMethodPersonal, SignMethodTypedData}
}

// SigningMethodFor maps a provider method to the signature it produces.
// ok is false for methods that never touch key material.
func SigningMethodFor(method string) (SigningMethod, bool) {
	switch method {
	case MethodSendTransaction, MethodSignTransaction:
		return SignMethodTransaction, true
	case MethodPersonalSign, MethodEthSign:
		return SignMethodPersonal, true
	}
	if strings.HasPrefix(method, MethodSignTypedData) {
		return SignMethodTypedData, true
	}
	return "", false
}

// MayPrompt reports whether method can wait on the user: an unlock, an
// approval prompt or both. Callers size their deadlines on it.
func MayPrompt(method string) bool {
	if _, ok := SigningMethodFor(method); ok {
		return true
	}
	switch method {
	case MethodRequestAccounts, MethodRequestPermissions, MethodSwitchChain:
		return true
	}
	return false
}

// Event names pushed to pages
const (
	EventAccountsChanged = "ACCOUNTS_CHANGED"
	EventChainChanged    = "CHAIN_CHANGED"
	EventDisconnect      = "DISCONNECT"
)
