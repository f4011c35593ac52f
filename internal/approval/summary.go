package approval

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"

	"github.com/better-wallet/walletbridge/internal/eth"
	"github.com/better-wallet/walletbridge/pkg/types"
)

// Kind groups prompts by the effect the user is asked to allow
type Kind string

const (
	KindConnect     Kind = "connect"
	KindTransaction Kind = "transaction"
	KindMessage     Kind = "message"
	KindTypedData   Kind = "typed-data"
	KindChainSwitch Kind = "chain-switch"
)

// maxMessagePreview bounds how much of a message is shown inline
const maxMessagePreview = 1024

// Description is the human-readable effect of a request
type Description struct {
	Kind    Kind              `json:"kind"`
	Summary string            `json:"summary"`
	Details map[string]string `json:"details,omitempty"`
}

// Describe decodes params for method into a Description. Params that
// cannot be decoded are an error so nothing unreadable is ever shown for
// approval.
func Describe(origin, method string, params json.RawMessage) (Description, error) {
	switch method {
	case types.MethodRequestAccounts, types.MethodRequestPermissions:
		return Description{
			Kind:    KindConnect,
			Summary: fmt.Sprintf("%s wants to see your accounts", origin),
		}, nil

	case types.MethodSendTransaction, types.MethodSignTransaction:
		tx, err := eth.ParseTxParams(params)
		if err != nil {
			return Description{}, err
		}
		return describeTx(method, tx), nil

	case types.MethodPersonalSign, types.MethodEthSign:
		from, msg, err := eth.ParseMessageParams(method, params)
		if err != nil {
			return Description{}, err
		}
		return Description{
			Kind:    KindMessage,
			Summary: fmt.Sprintf("Sign a message with %s", from.Hex()),
			Details: map[string]string{
				"account": from.Hex(),
				"message": previewMessage(msg),
			},
		}, nil

	case types.MethodSignTypedDataV3, types.MethodSignTypedDataV4:
		from, data, err := eth.ParseTypedDataParams(params)
		if err != nil {
			return Description{}, err
		}
		details := map[string]string{
			"account":     from.Hex(),
			"primaryType": data.PrimaryType,
		}
		if data.Domain.Name != "" {
			details["domain"] = data.Domain.Name
		}
		if data.Domain.Version != "" {
			details["version"] = data.Domain.Version
		}
		if data.Domain.ChainId != nil {
			details["chainId"] = (*big.Int)(data.Domain.ChainId).String()
		}
		if data.Domain.VerifyingContract != "" {
			details["verifyingContract"] = data.Domain.VerifyingContract
		}
		name := data.Domain.Name
		if name == "" {
			name = "an unnamed domain"
		}
		return Description{
			Kind:    KindTypedData,
			Summary: fmt.Sprintf("Sign %s for %s", data.PrimaryType, name),
			Details: details,
		}, nil

	case types.MethodSwitchChain:
		chainID, err := eth.ParseSwitchChainParams(params)
		if err != nil {
			return Description{}, err
		}
		return Description{
			Kind:    KindChainSwitch,
			Summary: fmt.Sprintf("Switch to chain %d", chainID),
			Details: map[string]string{"chainId": strconv.FormatInt(chainID, 10)},
		}, nil
	}

	return Description{}, fmt.Errorf("method %s is never presented", method)
}

func describeTx(method string, tx *eth.Tx) Description {
	verb := "Send"
	if method == types.MethodSignTransaction {
		verb = "Sign"
	}

	details := map[string]string{
		"from":  tx.From.Hex(),
		"value": FormatEther(tx.Value) + " ETH",
	}

	to := "new contract"
	if tx.To != nil {
		to = tx.To.Hex()
		details["to"] = to
	}

	if tx.Gas > 0 {
		details["gas"] = strconv.FormatUint(tx.Gas, 10)
	} else {
		details["gas"] = "estimated"
	}
	if tx.GasFeeCap != nil {
		details["maxFeePerGas"] = tx.GasFeeCap.String() + " wei"
	}
	if len(tx.Data) > 0 {
		details["data"] = fmt.Sprintf("%d bytes", len(tx.Data))
		if len(tx.Data) >= 4 {
			details["selector"] = hexutil.Encode(tx.Data[:4])
		}
	}
	if tx.ChainID != nil {
		details["chainId"] = tx.ChainID.String()
	}

	return Description{
		Kind:    KindTransaction,
		Summary: fmt.Sprintf("%s %s ETH to %s", verb, FormatEther(tx.Value), to),
		Details: details,
	}
}

// FormatEther renders wei as a decimal ether amount without trailing zeros
func FormatEther(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}
	s := new(big.Rat).SetFrac(wei, big.NewInt(params.Ether)).FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// previewMessage shows printable UTF-8 as text and anything else as hex
func previewMessage(msg []byte) string {
	preview := msg
	truncated := false
	if len(preview) > maxMessagePreview {
		preview, truncated = preview[:maxMessagePreview], true
	}

	var out string
	if printable(preview) {
		out = string(preview)
	} else {
		out = "0x" + hex.EncodeToString(preview)
	}
	if truncated {
		out += fmt.Sprintf(" (%d more bytes)", len(msg)-len(preview))
	}
	return out
}

func printable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
