// Package events defines the Yar event payloads and the JSON record every
// event travels in between chains, the hub, the bus and the API.
package events

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/chain"
	"yar/internal/envelope"
)

// Event names.
const (
	NameSend                   = "Send"
	NameCrossCall              = "CrossCall"
	NameSendFees               = "SendFees"
	NameDeposit                = "Deposit"
	NameApprove                = "Approve"
	NameCreateTransaction      = "CreateTransaction"
	NameExecuteTransaction     = "ExecuteTransaction"
	NameCommitTransaction      = "CommitTransaction"
	NameDeliver                = "Deliver"
	NameDeliveryFailed         = "DeliveryFailed"
	NameTransferToOtherChain   = "TransferToOtherChain"
	NameTransferFromOtherChain = "TransferFromOtherChain"
	NameIssuedAssetDeployed    = "IssuedAssetDeployed"
	NameMessageReceived        = "MessageReceived"
)

// Send is emitted by origin contracts (and as CrossCall by connectors).
type Send struct {
	Envelope envelope.Envelope `json:"envelope"`
}

// Deposit is emitted by origin contracts when a fee is paid for the hub, and
// by the hub when it credits a balance. Token is zero for the native asset.
type Deposit struct {
	User   common.Address `json:"user"`
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

// Approve authorizes App to spend User's hub balance for envelopes from ChainID.
type Approve struct {
	User    common.Address `json:"user"`
	ChainID uint64         `json:"chainId"`
	App     common.Address `json:"app"`
	Amount  *big.Int       `json:"amount"`
}

// SendFees is emitted by connectors when a direct fee is collected.
type SendFees struct {
	User     common.Address `json:"user"`
	FeeToken common.Address `json:"feeToken"`
	Amount   *big.Int       `json:"amount"`
}

// CreateTransaction is emitted by the hub when a record enters Pending.
type CreateTransaction struct {
	Envelope     envelope.Envelope `json:"envelope"`
	Hash         common.Hash       `json:"hash"`
	OriginTxHash common.Hash       `json:"originTxHash"`
}

// ExecuteTransaction is the hub's delivery trigger.
type ExecuteTransaction struct {
	Envelope  envelope.Envelope `json:"envelope"`
	Hash      common.Hash       `json:"hash"`
	LockedFee *big.Int          `json:"lockedFee"`
}

// CommitTransaction is the settlement receipt.
type CommitTransaction struct {
	Envelope envelope.Envelope `json:"envelope"`
	Hash     common.Hash       `json:"hash"`
	Status   uint8             `json:"status"`
	UsedFee  *big.Int          `json:"usedFee"`
	Refund   *big.Int          `json:"refund"`
}

// Deliver is emitted by destination contracts after delivering an envelope.
type Deliver struct {
	Envelope envelope.Envelope `json:"envelope"`
	Hash     common.Hash       `json:"hash"`
}

// DeliveryFailed is emitted when the value was delivered but the call failed.
type DeliveryFailed struct {
	Envelope envelope.Envelope `json:"envelope"`
	Hash     common.Hash       `json:"hash"`
	Reason   string            `json:"reason"`
}

// TransferToOtherChain is emitted by a bridge on transfer-out.
type TransferToOtherChain struct {
	TransferID      common.Hash    `json:"transferId"`
	Nonce           uint64         `json:"nonce"`
	OriginalChainID uint64         `json:"originalChainId"`
	InitialChainID  uint64         `json:"initialChainId"`
	OriginalToken   common.Address `json:"originalToken"`
	TargetChainID   uint64         `json:"targetChainId"`
	IDs             []*big.Int     `json:"ids"`
	Amounts         []*big.Int     `json:"amounts"`
	Sender          common.Address `json:"sender"`
	Recipient       common.Address `json:"recipient"`
	Name            string         `json:"name"`
	Symbol          string         `json:"symbol"`
	Decimals        uint8          `json:"decimals"`
}

// TransferFromOtherChain is emitted by a bridge on transfer-in.
type TransferFromOtherChain struct {
	FromChainID     uint64         `json:"fromChainId"`
	OriginalChainID uint64         `json:"originalChainId"`
	OriginalToken   common.Address `json:"originalToken"`
	Token           common.Address `json:"token"`
	IDs             []*big.Int     `json:"ids"`
	Amounts         []*big.Int     `json:"amounts"`
	Recipient       common.Address `json:"recipient"`
	FinalChainID    uint64         `json:"finalChainId"`
}

// IssuedAssetDeployed is emitted when a bridge deploys an issued asset.
type IssuedAssetDeployed struct {
	OriginalChainID uint64         `json:"originalChainId"`
	OriginalToken   common.Address `json:"originalToken"`
	Token           common.Address `json:"token"`
	Name            string         `json:"name"`
	Symbol          string         `json:"symbol"`
	Decimals        uint8          `json:"decimals"`
}

// MessageReceived is emitted by the message bridge.
type MessageReceived struct {
	FromChainID uint64         `json:"fromChainId"`
	Sender      common.Address `json:"sender"`
	Receiver    common.Address `json:"receiver"`
	Message     string         `json:"message"`
	Index       uint64         `json:"index"`
}

// Record is the wire format of an event.
type Record struct {
	ID          string          `json:"id"`
	ChainID     uint64          `json:"chainId"`
	Contract    common.Address  `json:"contract"`
	Name        string          `json:"name"`
	TxHash      common.Hash     `json:"txHash"`
	BlockNumber uint64          `json:"blockNumber"`
	Index       uint            `json:"index"`
	Payload     json.RawMessage `json:"payload"`
}

// NewRecord encodes payload into a record.
func NewRecord(chainID uint64, contract common.Address, name string, txHash common.Hash, index uint, payload any) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	return Record{
		ID:       RecordID(chainID, txHash, index),
		ChainID:  chainID,
		Contract: contract,
		Name:     name,
		TxHash:   txHash,
		Index:    index,
		Payload:  raw,
	}, nil
}

// FromLog converts a chain log into a record.
func FromLog(l chain.Log) (Record, error) {
	r, err := NewRecord(l.ChainID, l.Address, l.Name, l.TxHash, l.Index, l.Data)
	if err != nil {
		return Record{}, err
	}
	r.BlockNumber = l.BlockNumber
	return r, nil
}

// RecordID is the globally unique id of an event, used for de-duplication.
func RecordID(chainID uint64, txHash common.Hash, index uint) string {
	return fmt.Sprintf("%d:%s:%d", chainID, txHash.Hex(), index)
}

// Decode unmarshals the payload into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", r.Name, err)
	}
	return nil
}

// Subject is the bus subject of the record: <prefix>.<chainId>.<contract>.<name>.
func (r Record) Subject(prefix string) string {
	return strings.Join([]string{
		prefix,
		fmt.Sprintf("%d", r.ChainID),
		strings.ToLower(r.Contract.Hex()),
		r.Name,
	}, ".")
}
