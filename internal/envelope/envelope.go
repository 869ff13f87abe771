// Package envelope defines the cross-chain transaction envelope, the unit
// every Yar contract and the relayer operate on.
package envelope

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"yar/internal/revert"
)

// Mode distinguishes hub-mediated envelopes from direct (connector) ones.
type Mode uint8

const (
	// ModeHub envelopes prepay fees into the hub ledger and settle there.
	ModeHub Mode = iota
	// ModeDirect envelopes pay a fixed fee at the origin.
	ModeDirect
)

func (m Mode) String() string {
	switch m {
	case ModeHub:
		return "hub"
	case ModeDirect:
		return "direct"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if m > ModeDirect {
		return nil, fmt.Errorf("unknown envelope mode %d", uint8(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "hub", "":
		*m = ModeHub
	case "direct":
		*m = ModeDirect
	default:
		return fmt.Errorf("unknown envelope mode %q", text)
	}
	return nil
}

var (
	ErrZeroTargetChain = revert.New(revert.KindValidation, "target chain!")
	ErrZeroSender      = revert.New(revert.KindValidation, "sender!")
	ErrNegativeAmount  = revert.New(revert.KindValidation, "negative amount")
)

// Envelope is an immutable cross-chain intent. Payer is the account whose
// prepaid balance pays the relay fee; in the direct shape it is the app.
type Envelope struct {
	Mode           Mode           `json:"mode"`
	InitialChainID uint64         `json:"initialChainId"`
	Sender         common.Address `json:"sender"`
	Payer          common.Address `json:"payer"`
	TargetChainID  uint64         `json:"targetChainId"`
	Target         common.Address `json:"target"`
	Value          *big.Int       `json:"value"`
	Data           hexutil.Bytes  `json:"data"`
	FeeAmount      *big.Int       `json:"feeAmount"`
	Nonce          uint64         `json:"nonce"`
}

// Validate performs the stateless checks shared by every contract.
func (e Envelope) Validate() error {
	if e.TargetChainID == 0 {
		return ErrZeroTargetChain
	}
	if e.Sender == (common.Address{}) {
		return ErrZeroSender
	}
	if e.Value != nil && e.Value.Sign() < 0 {
		return ErrNegativeAmount
	}
	if e.FeeAmount != nil && e.FeeAmount.Sign() < 0 {
		return ErrNegativeAmount
	}
	return nil
}

// Clone returns a deep copy; Value, FeeAmount and Data are never nil in the copy.
func (e Envelope) Clone() Envelope {
	out := e
	out.Value = new(big.Int).Set(orZero(e.Value))
	out.FeeAmount = new(big.Int).Set(orZero(e.FeeAmount))
	out.Data = append(hexutil.Bytes{}, e.Data...)
	return out
}

// PayerOrSender returns the account paying the fee.
func (e Envelope) PayerOrSender() common.Address {
	if e.Payer == (common.Address{}) {
		return e.Sender
	}
	return e.Payer
}

// Sponsored reports whether the fee is paid by an account other than the sender.
func (e Envelope) Sponsored() bool {
	return e.PayerOrSender() != e.Sender
}

// Hash binds every field, including the fee amount and nonce.
func (e Envelope) Hash() common.Hash {
	packed, err := e.EncodeABI()
	if err != nil {
		// Only reachable with negative amounts, which Validate rejects.
		panic(fmt.Sprintf("envelope: pack hash: %v", err))
	}
	return crypto.Keccak256Hash(packed)
}

// EncodeABI returns abi.encode of the envelope fields in declaration order.
// A zero Payer is encoded as the sender.
func (e Envelope) EncodeABI() ([]byte, error) {
	return hashArgs.Pack(
		uint8(e.Mode),
		new(big.Int).SetUint64(e.InitialChainID),
		e.Sender,
		e.PayerOrSender(),
		new(big.Int).SetUint64(e.TargetChainID),
		e.Target,
		orZero(e.Value),
		[]byte(e.Data),
		orZero(e.FeeAmount),
		new(big.Int).SetUint64(e.Nonce),
	)
}

// DecodeABI is the inverse of EncodeABI.
func DecodeABI(data []byte) (Envelope, error) {
	vals, err := hashArgs.Unpack(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to unpack envelope: %w", err)
	}
	t := Tuple{
		Mode:           vals[0].(uint8),
		InitialChainId: vals[1].(*big.Int),
		Sender:         vals[2].(common.Address),
		Payer:          vals[3].(common.Address),
		TargetChainId:  vals[4].(*big.Int),
		Target:         vals[5].(common.Address),
		Value:          vals[6].(*big.Int),
		Data:           vals[7].([]byte),
		FeeAmount:      vals[8].(*big.Int),
		Nonce:          vals[9].(*big.Int),
	}
	return FromTuple(t)
}

// Tuple is the envelope as an ABI tuple, the shape the EVM contracts take
// and emit. Field names follow the tuple component names.
type Tuple struct {
	Mode           uint8
	InitialChainId *big.Int
	Sender         common.Address
	Payer          common.Address
	TargetChainId  *big.Int
	Target         common.Address
	Value          *big.Int
	Data           []byte
	FeeAmount      *big.Int
	Nonce          *big.Int
}

// Tuple converts e to its ABI tuple.
func (e Envelope) Tuple() Tuple {
	return Tuple{
		Mode:           uint8(e.Mode),
		InitialChainId: new(big.Int).SetUint64(e.InitialChainID),
		Sender:         e.Sender,
		Payer:          e.PayerOrSender(),
		TargetChainId:  new(big.Int).SetUint64(e.TargetChainID),
		Target:         e.Target,
		Value:          Amount(e.Value),
		Data:           append([]byte{}, e.Data...),
		FeeAmount:      Amount(e.FeeAmount),
		Nonce:          new(big.Int).SetUint64(e.Nonce),
	}
}

var ErrTupleRange = revert.New(revert.KindValidation, "tuple out of range")

// FromTuple converts an ABI tuple back to an envelope.
func FromTuple(t Tuple) (Envelope, error) {
	for _, v := range []*big.Int{t.InitialChainId, t.TargetChainId, t.Nonce} {
		if v == nil || !v.IsUint64() {
			return Envelope{}, ErrTupleRange
		}
	}
	if t.Mode > uint8(ModeDirect) {
		return Envelope{}, ErrTupleRange
	}
	return Envelope{
		Mode:           Mode(t.Mode),
		InitialChainID: t.InitialChainId.Uint64(),
		Sender:         t.Sender,
		Payer:          t.Payer,
		TargetChainID:  t.TargetChainId.Uint64(),
		Target:         t.Target,
		Value:          Amount(t.Value),
		Data:           append(hexutil.Bytes{}, t.Data...),
		FeeAmount:      Amount(t.FeeAmount),
		Nonce:          t.Nonce.Uint64(),
	}, nil
}

// IntentHash is Hash without the nonce. It identifies what a sender
// approves before the origin contract assigns the nonce.
func (e Envelope) IntentHash() common.Hash {
	withoutNonce := e
	withoutNonce.Nonce = 0
	h := withoutNonce.Hash()
	return crypto.Keccak256Hash([]byte("intent"), h.Bytes())
}

// ID is the (initial chain, sender, nonce) tuple that identifies an envelope forever.
type ID struct {
	InitialChainID uint64
	Sender         common.Address
	Nonce          uint64
}

// ID returns the envelope's identity tuple.
func (e Envelope) ID() ID {
	return ID{InitialChainID: e.InitialChainID, Sender: e.Sender, Nonce: e.Nonce}
}

func (e Envelope) String() string {
	return fmt.Sprintf("envelope{%s %d->%d sender=%s nonce=%d hash=%s}",
		e.Mode, e.InitialChainID, e.TargetChainID, e.Sender.Hex(), e.Nonce, e.Hash().Hex())
}

// Amount returns a copy of v or zero when v is nil.
func Amount(v *big.Int) *big.Int {
	return new(big.Int).Set(orZero(v))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

var hashArgs = mustArguments(
	"uint8", "uint256", "address", "address", "uint256",
	"address", "uint256", "bytes", "uint256", "uint256",
)

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}
