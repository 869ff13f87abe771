package api

import (
	"time"

	"yar/internal/envelope"
	"yar/internal/hub"
	"yar/internal/models"
)

// Amounts are base-10 strings; they routinely exceed 2^53.

// ==================== Hub Reads ====================

// BalanceResponse represents a payer's hub balance
type BalanceResponse struct {
	User    string `json:"user"`
	Balance string `json:"balance"`
}

// AllowanceResponse represents an allowance granted to a spender
type AllowanceResponse struct {
	Owner     string `json:"owner"`
	ChainID   uint64 `json:"chain_id"`
	Spender   string `json:"spender"`
	Allowance string `json:"allowance"`
}

// TransactionResponse represents one hub transaction record
type TransactionResponse struct {
	Hash           string            `json:"hash"`
	Status         string            `json:"status"`
	Envelope       envelope.Envelope `json:"envelope"`
	Payer          string            `json:"payer"`
	LockedFee      string            `json:"locked_fee"`
	UsedFee        string            `json:"used_fee"`
	ViaAllowance   bool              `json:"via_allowance"`
	OriginTxHash   string            `json:"origin_tx_hash"`
	DeliveryTxHash *string           `json:"delivery_tx_hash,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ListTransactionsResponse represents hub records with one status
type ListTransactionsResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
}

func transactionResponse(rec hub.Record) TransactionResponse {
	resp := TransactionResponse{
		Hash:         rec.Hash.Hex(),
		Status:       rec.Status.String(),
		Envelope:     rec.Envelope,
		Payer:        rec.Payer.Hex(),
		LockedFee:    envelope.Amount(rec.LockedFee).String(),
		UsedFee:      envelope.Amount(rec.UsedFee).String(),
		ViaAllowance: rec.ViaAllowance,
		OriginTxHash: rec.OriginTxHash.Hex(),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.Status == hub.StatusCompleted {
		h := rec.DeliveryTxHash.Hex()
		resp.DeliveryTxHash = &h
	}
	return resp
}

// ==================== Hub Writes ====================

// DepositRequest credits a mirrored origin-chain deposit
type DepositRequest struct {
	User   string `json:"user"`
	Amount string `json:"amount"`
}

// ApproveRequest mirrors an origin-chain approval
type ApproveRequest struct {
	Owner   string `json:"owner"`
	ChainID uint64 `json:"chain_id"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// CreateTransactionRequest registers an envelope seen on its origin chain
type CreateTransactionRequest struct {
	Envelope     envelope.Envelope `json:"envelope"`
	OriginTxHash string            `json:"origin_tx_hash"`
}

// CreateTransactionResponse returns the record key
type CreateTransactionResponse struct {
	Hash string `json:"hash"`
}

// ExecuteTransactionRequest locks the delivery fee
type ExecuteTransactionRequest struct {
	Envelope  envelope.Envelope `json:"envelope"`
	FeeToLock string            `json:"fee_to_lock"`
}

// CompleteTransactionRequest settles a delivered envelope
type CompleteTransactionRequest struct {
	Envelope       envelope.Envelope `json:"envelope"`
	DeliveryTxHash string            `json:"delivery_tx_hash"`
	UsedFee        string            `json:"used_fee"`
}

// CompleteTransactionResponse reports the settlement
type CompleteTransactionResponse struct {
	Hash     string `json:"hash"`
	UsedFee  string `json:"used_fee"`
	Refunded string `json:"refunded"`
}

// ==================== Tools ====================

// EnvelopeHashResponse returns both envelope hashes
type EnvelopeHashResponse struct {
	Hash       string `json:"hash"`
	IntentHash string `json:"intent_hash"`
}

// IssuedAddressResponse returns the deterministic issued-asset address
type IssuedAddressResponse struct {
	ChainID       uint64 `json:"chain_id"`
	Bridge        string `json:"bridge"`
	OriginChainID uint64 `json:"origin_chain_id"`
	OriginToken   string `json:"origin_token"`
	Address       string `json:"address"`
	Deployed      bool   `json:"deployed"`
}

// ==================== Fee Quote ====================

// FeeQuoteRequest asks what a delivery to target_chain_id would lock
type FeeQuoteRequest struct {
	TargetChainID uint64 `json:"target_chain_id"`
	// Payer, when set, caps the quote at the payer's hub balance.
	Payer string `json:"payer,omitempty"`
}

// FeeQuoteResponse represents a fee quote
type FeeQuoteResponse struct {
	TargetChainID uint64 `json:"target_chain_id"`
	GasLimit      uint64 `json:"gas_limit"`
	GasPrice      string `json:"gas_price"`
	Lock          string `json:"lock"`
	Capped        bool   `json:"capped"`
}

// ==================== Jobs ====================

// JobResponse represents a relay job
type JobResponse struct {
	ID             string           `json:"id"`
	EnvelopeHash   string           `json:"envelope_hash"`
	SourceChainID  int64            `json:"source_chain_id"`
	TargetChainID  int64            `json:"target_chain_id"`
	Status         models.JobStatus `json:"status"`
	OriginTxHash   string           `json:"origin_tx_hash"`
	LockedFee      *string          `json:"locked_fee"`
	UsedFee        *string          `json:"used_fee"`
	DeliveryTxHash *string          `json:"delivery_tx_hash"`
	RetryCount     int              `json:"retry_count"`
	Error          *string          `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	// Kind is the revert kind when the hub rejected the call.
	Kind string `json:"kind,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
