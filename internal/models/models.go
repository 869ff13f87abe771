package models

import (
	"errors"
	"math"
	"time"
)

// ErrChainIDRange is returned for chain ids that do not fit a BIGINT column.
var ErrChainIDRange = errors.New("chain id out of range")

// ChainID converts a chain id to its column value
func ChainID(id uint64) (int64, error) {
	if id > math.MaxInt64 {
		return 0, ErrChainIDRange
	}
	return int64(id), nil
}

// JobStatus represents the relayer's progress on one envelope
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusCreated   JobStatus = "CREATED"
	JobStatusExecuted  JobStatus = "EXECUTED"
	JobStatusDelivered JobStatus = "DELIVERED"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further work is scheduled for the job.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// AssetKind is the token standard of an issued asset
type AssetKind string

const (
	AssetKindERC20   AssetKind = "erc20"
	AssetKindERC721  AssetKind = "erc721"
	AssetKindERC1155 AssetKind = "erc1155"
)

// HubTransaction is a row of hub_transactions
type HubTransaction struct {
	Hash           string    `db:"hash"`
	Envelope       []byte    `db:"envelope"` // JSON
	Status         int16     `db:"status"`
	Payer          string    `db:"payer"`
	LockedFee      string    `db:"locked_fee"` // NUMERIC as text
	UsedFee        string    `db:"used_fee"`
	ViaAllowance   bool      `db:"via_allowance"`
	OriginTxHash   string    `db:"origin_tx_hash"`
	DeliveryTxHash string    `db:"delivery_tx_hash"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// RelayJob tracks one envelope from the origin event to settlement
type RelayJob struct {
	ID             string    `db:"id" json:"id"`
	EnvelopeHash   string    `db:"envelope_hash" json:"envelopeHash"`
	Envelope       []byte    `db:"envelope" json:"-"` // JSON
	SourceChainID  int64     `db:"source_chain_id" json:"sourceChainId"`
	TargetChainID  int64     `db:"target_chain_id" json:"targetChainId"`
	OriginTxHash   string    `db:"origin_tx_hash" json:"originTxHash"`
	Status         JobStatus `db:"status" json:"status"`
	LockedFee      *string   `db:"locked_fee" json:"lockedFee,omitempty"`
	UsedFee        *string   `db:"used_fee" json:"usedFee,omitempty"`
	DeliveryTxHash *string   `db:"delivery_tx_hash" json:"deliveryTxHash,omitempty"`
	ErrorMessage   *string   `db:"error_message" json:"errorMessage,omitempty"`
	RetryCount     int       `db:"retry_count" json:"retryCount"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// IssuedAsset is an issued asset address, precomputed or observed deployed
type IssuedAsset struct {
	ID            int64     `db:"id"`
	ChainID       int64     `db:"chain_id"`
	Bridge        string    `db:"bridge"`
	Kind          AssetKind `db:"kind"`
	OriginChainID int64     `db:"origin_chain_id"`
	OriginToken   string    `db:"origin_token"`
	Address       string    `db:"address"`
	Name          string    `db:"name"`
	Symbol        string    `db:"symbol"`
	Decimals      int16     `db:"decimals"`
	Deployed      bool      `db:"deployed"`
	DeployTxHash  *string   `db:"deploy_tx_hash"`
}
