package bridge

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"yar/internal/token"
)

const payloadABI = `[
	{"type":"function","name":"transferFrom","inputs":[
		{"name":"originalChainId","type":"uint256"},
		{"name":"originalToken","type":"address"},
		{"name":"name","type":"string"},
		{"name":"symbol","type":"string"},
		{"name":"decimals","type":"uint8"},
		{"name":"ids","type":"uint256[]"},
		{"name":"amounts","type":"uint256[]"},
		{"name":"recipient","type":"address"},
		{"name":"finalChainId","type":"uint256"}]},
	{"type":"function","name":"deployFrom","inputs":[
		{"name":"originalChainId","type":"uint256"},
		{"name":"originalToken","type":"address"},
		{"name":"name","type":"string"},
		{"name":"symbol","type":"string"},
		{"name":"decimals","type":"uint8"},
		{"name":"finalChainId","type":"uint256"}]},
	{"type":"function","name":"receiveMessage","inputs":[
		{"name":"sender","type":"address"},
		{"name":"receiver","type":"address"},
		{"name":"message","type":"string"}]}
]`

var parsedABI = mustParseABI(payloadABI)

// TransferToSelector is the selector approvers sign for outbound transfers.
var TransferToSelector = selector("transferTo(address,uint256[],uint256[],uint256,address)")

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid bridge payload ABI: %v", err))
	}
	return parsed
}

func selector(signature string) [4]byte {
	var s [4]byte
	copy(s[:], crypto.Keccak256([]byte(signature))[:4])
	return s
}

// transferPayload is the body of a transferFrom call between bridges. It
// always names the asset's original chain and token.
type transferPayload struct {
	OriginalChainID uint64
	OriginalToken   common.Address
	Meta            token.Metadata
	IDs             []*big.Int
	Amounts         []*big.Int
	Recipient       common.Address
	FinalChainID    uint64
}

type deployPayload struct {
	OriginalChainID uint64
	OriginalToken   common.Address
	Meta            token.Metadata
	FinalChainID    uint64
}

type messagePayload struct {
	Sender   common.Address
	Receiver common.Address
	Message  string
}

func (p transferPayload) encode() ([]byte, error) {
	return parsedABI.Pack("transferFrom",
		new(big.Int).SetUint64(p.OriginalChainID),
		p.OriginalToken,
		p.Meta.Name,
		p.Meta.Symbol,
		p.Meta.Decimals,
		p.IDs,
		p.Amounts,
		p.Recipient,
		new(big.Int).SetUint64(p.FinalChainID),
	)
}

func (p deployPayload) encode() ([]byte, error) {
	return parsedABI.Pack("deployFrom",
		new(big.Int).SetUint64(p.OriginalChainID),
		p.OriginalToken,
		p.Meta.Name,
		p.Meta.Symbol,
		p.Meta.Decimals,
		new(big.Int).SetUint64(p.FinalChainID),
	)
}

func (p messagePayload) encode() ([]byte, error) {
	return parsedABI.Pack("receiveMessage", p.Sender, p.Receiver, p.Message)
}

// decodeCall resolves input to a payload method and its arguments.
func decodeCall(input []byte) (string, []interface{}, error) {
	if len(input) < 4 {
		return "", nil, ErrUnknownMethod
	}
	method, err := parsedABI.MethodById(input[:4])
	if err != nil {
		return "", nil, ErrUnknownMethod
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return method.Name, args, nil
}

func decodeTransfer(args []interface{}) (transferPayload, error) {
	if len(args) != 9 {
		return transferPayload{}, ErrMalformedPayload
	}
	originChain, ok1 := args[0].(*big.Int)
	originToken, ok2 := args[1].(common.Address)
	name, ok3 := args[2].(string)
	symbol, ok4 := args[3].(string)
	decimals, ok5 := args[4].(uint8)
	ids, ok6 := args[5].([]*big.Int)
	amounts, ok7 := args[6].([]*big.Int)
	recipient, ok8 := args[7].(common.Address)
	finalChain, ok9 := args[8].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8 && ok9) {
		return transferPayload{}, ErrMalformedPayload
	}
	if !originChain.IsUint64() || !finalChain.IsUint64() {
		return transferPayload{}, ErrMalformedPayload
	}
	return transferPayload{
		OriginalChainID: originChain.Uint64(),
		OriginalToken:   originToken,
		Meta:            token.Metadata{Name: name, Symbol: symbol, Decimals: decimals},
		IDs:             ids,
		Amounts:         amounts,
		Recipient:       recipient,
		FinalChainID:    finalChain.Uint64(),
	}, nil
}

func decodeDeploy(args []interface{}) (deployPayload, error) {
	if len(args) != 6 {
		return deployPayload{}, ErrMalformedPayload
	}
	originChain, ok1 := args[0].(*big.Int)
	originToken, ok2 := args[1].(common.Address)
	name, ok3 := args[2].(string)
	symbol, ok4 := args[3].(string)
	decimals, ok5 := args[4].(uint8)
	finalChain, ok6 := args[5].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return deployPayload{}, ErrMalformedPayload
	}
	if !originChain.IsUint64() || !finalChain.IsUint64() {
		return deployPayload{}, ErrMalformedPayload
	}
	return deployPayload{
		OriginalChainID: originChain.Uint64(),
		OriginalToken:   originToken,
		Meta:            token.Metadata{Name: name, Symbol: symbol, Decimals: decimals},
		FinalChainID:    finalChain.Uint64(),
	}, nil
}

func decodeMessage(args []interface{}) (messagePayload, error) {
	if len(args) != 3 {
		return messagePayload{}, ErrMalformedPayload
	}
	sender, ok1 := args[0].(common.Address)
	receiver, ok2 := args[1].(common.Address)
	message, ok3 := args[2].(string)
	if !(ok1 && ok2 && ok3) {
		return messagePayload{}, ErrMalformedPayload
	}
	return messagePayload{Sender: sender, Receiver: receiver, Message: message}, nil
}
