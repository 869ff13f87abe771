package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"yar/internal/envelope"
	"yar/internal/hub"
	"yar/internal/revert"
	"yar/internal/service"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	hub    *hub.Hub
	jobs   *service.JobService
	fees   *service.FeeService
	assets *service.AssetService
	logger *zap.Logger
}

// NewHandler creates a new API handler. h may be nil when the hub is a
// remote contract.
func NewHandler(
	h *hub.Hub,
	jobs *service.JobService,
	fees *service.FeeService,
	assets *service.AssetService,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		hub:    h,
		jobs:   jobs,
		fees:   fees,
		assets: assets,
		logger: logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Hub Reads ====================

// HandleGetBalance handles GET /api/v1/hub/balances/{user}
func (h *Handler) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	user, err := pathAddress(r, "user")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user address", err)
		return
	}

	bal, err := h.hub.BalanceOf(r.Context(), user)
	if err != nil {
		h.logger.Error("Failed to read balance", zap.String("user", user.Hex()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to read balance", err)
		return
	}

	respondJSON(w, http.StatusOK, BalanceResponse{User: user.Hex(), Balance: bal.String()})
}

// HandleGetAllowance handles GET /api/v1/hub/allowances/{owner}/{chainId}/{spender}
func (h *Handler) HandleGetAllowance(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid owner address", err)
		return
	}
	spender, err := pathAddress(r, "spender")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid spender address", err)
		return
	}
	chainID, err := strconv.ParseUint(mux.Vars(r)["chainId"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid chain ID", err)
		return
	}

	allowance, err := h.hub.AllowanceOf(r.Context(), owner, chainID, spender)
	if err != nil {
		h.logger.Error("Failed to read allowance", zap.String("owner", owner.Hex()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to read allowance", err)
		return
	}

	respondJSON(w, http.StatusOK, AllowanceResponse{
		Owner:     owner.Hex(),
		ChainID:   chainID,
		Spender:   spender.Hex(),
		Allowance: allowance.String(),
	})
}

// HandleGetTransaction handles GET /api/v1/hub/transactions/{hash}
func (h *Handler) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	hash, err := pathHash(r, "hash")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid envelope hash", err)
		return
	}

	rec, err := h.hub.Transaction(r.Context(), hash)
	if err != nil {
		h.logger.Error("Failed to read transaction", zap.String("hash", hash.Hex()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to read transaction", err)
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, transactionResponse(*rec))
}

// HandleListTransactions handles GET /api/v1/hub/transactions?status=&limit=
func (h *Handler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	status, ok := hub.ParseStatus(r.URL.Query().Get("status"))
	if !ok || status == hub.StatusNonExistent {
		respondError(w, http.StatusBadRequest, "status must be pending, executed or completed", nil)
		return
	}
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = min(n, maxListLimit)
	}

	recs, err := h.hub.TransactionsByStatus(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("Failed to list transactions", zap.Stringer("status", status), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}

	resp := ListTransactionsResponse{Transactions: make([]TransactionResponse, 0, len(recs))}
	for _, rec := range recs {
		resp.Transactions = append(resp.Transactions, transactionResponse(rec))
	}
	respondJSON(w, http.StatusOK, resp)
}

// ==================== Hub Writes ====================

// HandleDeposit handles POST /api/v1/hub/deposits
func (h *Handler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	user, err := parseAddress(req.User)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user address", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	if err := h.hub.Deposit(r.Context(), callerFrom(r), user, amount); err != nil {
		h.respondRevert(w, "deposit", err)
		return
	}

	bal, err := h.hub.BalanceOf(r.Context(), user)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read balance", err)
		return
	}
	respondJSON(w, http.StatusOK, BalanceResponse{User: user.Hex(), Balance: bal.String()})
}

// HandleApprove handles POST /api/v1/hub/approvals
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid owner address", err)
		return
	}
	spender, err := parseAddress(req.Spender)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid spender address", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	if err := h.hub.Approve(r.Context(), callerFrom(r), owner, req.ChainID, spender, amount); err != nil {
		h.respondRevert(w, "approve", err)
		return
	}

	respondJSON(w, http.StatusOK, AllowanceResponse{
		Owner:     owner.Hex(),
		ChainID:   req.ChainID,
		Spender:   spender.Hex(),
		Allowance: amount.String(),
	})
}

// HandleCreateTransaction handles POST /api/v1/hub/transactions
func (h *Handler) HandleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	originTx, err := parseHash(req.OriginTxHash)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid origin transaction hash", err)
		return
	}

	hash, err := h.hub.CreateTransaction(r.Context(), callerFrom(r), req.Envelope, originTx)
	if err != nil {
		h.respondRevert(w, "createTransaction", err)
		return
	}

	respondJSON(w, http.StatusCreated, CreateTransactionResponse{Hash: hash.Hex()})
}

// HandleExecuteTransaction handles POST /api/v1/hub/transactions/{hash}/execute
func (h *Handler) HandleExecuteTransaction(w http.ResponseWriter, r *http.Request) {
	var req ExecuteTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := matchHash(r, req.Envelope); err != nil {
		respondError(w, http.StatusBadRequest, "Envelope does not match path hash", err)
		return
	}
	fee, err := parseAmount(req.FeeToLock)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid fee", err)
		return
	}

	if err := h.hub.ExecuteTransaction(r.Context(), callerFrom(r), req.Envelope, fee); err != nil {
		h.respondRevert(w, "executeTransaction", err)
		return
	}

	rec, err := h.hub.Transaction(r.Context(), req.Envelope.Hash())
	if err != nil || rec == nil {
		respondError(w, http.StatusInternalServerError, "Failed to read transaction", err)
		return
	}
	respondJSON(w, http.StatusOK, transactionResponse(*rec))
}

// HandleCompleteTransaction handles POST /api/v1/hub/transactions/{hash}/complete
func (h *Handler) HandleCompleteTransaction(w http.ResponseWriter, r *http.Request) {
	var req CompleteTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := matchHash(r, req.Envelope); err != nil {
		respondError(w, http.StatusBadRequest, "Envelope does not match path hash", err)
		return
	}
	deliveryTx, err := parseHash(req.DeliveryTxHash)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid delivery transaction hash", err)
		return
	}
	used, err := parseAmount(req.UsedFee)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid used fee", err)
		return
	}

	commit, err := h.hub.CompleteTransaction(r.Context(), callerFrom(r), req.Envelope, deliveryTx, used)
	if err != nil {
		h.respondRevert(w, "completeTransaction", err)
		return
	}

	respondJSON(w, http.StatusOK, CompleteTransactionResponse{
		Hash:     commit.Hash.Hex(),
		UsedFee:  envelope.Amount(commit.UsedFee).String(),
		Refunded: envelope.Amount(commit.Refund).String(),
	})
}

// ==================== Tools ====================

// HandleEnvelopeHash handles POST /api/v1/envelopes/hash
func (h *Handler) HandleEnvelopeHash(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := env.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid envelope", err)
		return
	}

	respondJSON(w, http.StatusOK, EnvelopeHashResponse{
		Hash:       env.Hash().Hex(),
		IntentHash: env.IntentHash().Hex(),
	})
}

// HandleIssuedAddress handles
// GET /api/v1/bridges/issued-address?chainId=&bridge=&originChainId=&originToken=
func (h *Handler) HandleIssuedAddress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chainID, err := strconv.ParseUint(q.Get("chainId"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid chainId", err)
		return
	}
	originChainID, err := strconv.ParseUint(q.Get("originChainId"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid originChainId", err)
		return
	}
	bridgeAddr, err := parseAddress(q.Get("bridge"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid bridge address", err)
		return
	}
	originToken, err := parseAddress(q.Get("originToken"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid origin token address", err)
		return
	}

	ref := service.BridgeRef{ChainID: chainID, Address: bridgeAddr}
	addr, err := h.assets.IssuedAddress(r.Context(), ref, originChainID, originToken)
	if err != nil {
		h.logger.Warn("Failed to compute issued address",
			zap.Uint64("chain_id", chainID),
			zap.String("bridge", bridgeAddr.Hex()),
			zap.Error(err))
		respondError(w, http.StatusNotFound, "Bridge not registered", err)
		return
	}
	deployed, err := h.assets.IsDeployed(r.Context(), ref, originChainID, originToken)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read issued asset", err)
		return
	}

	respondJSON(w, http.StatusOK, IssuedAddressResponse{
		ChainID:       chainID,
		Bridge:        bridgeAddr.Hex(),
		OriginChainID: originChainID,
		OriginToken:   originToken.Hex(),
		Address:       addr.Hex(),
		Deployed:      deployed,
	})
}

// ==================== Fee Quote ====================

// HandleFeeQuote handles POST /api/v1/fees/quote
func (h *Handler) HandleFeeQuote(w http.ResponseWriter, r *http.Request) {
	var req FeeQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TargetChainID == 0 {
		respondError(w, http.StatusBadRequest, "target_chain_id is required", nil)
		return
	}

	var available *big.Int
	if req.Payer != "" {
		if h.hub == nil {
			respondError(w, http.StatusBadRequest, "Payer balances are not served by this instance", nil)
			return
		}
		payer, err := parseAddress(req.Payer)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid payer address", err)
			return
		}
		if available, err = h.hub.BalanceOf(r.Context(), payer); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to read balance", err)
			return
		}
	}

	quote, err := h.fees.QuoteLock(req.TargetChainID, available)
	if err != nil {
		respondError(w, http.StatusNotFound, "Target chain not configured", err)
		return
	}

	respondJSON(w, http.StatusOK, FeeQuoteResponse{
		TargetChainID: quote.TargetChainID,
		GasLimit:      quote.GasLimit,
		GasPrice:      quote.GasPrice.String(),
		Lock:          quote.Lock.String(),
		Capped:        quote.Capped,
	})
}

// ==================== Jobs ====================

// HandleGetJob handles GET /api/v1/jobs/{id}. The id may also be an
// envelope hash.
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.jobs.GetJob(r.Context(), id)
	if err == nil && job == nil && isHash(id) {
		job, err = h.jobs.GetJobByEnvelope(r.Context(), common.HexToHash(id))
	}
	if err != nil {
		h.logger.Error("Failed to get job", zap.String("id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get job", err)
		return
	}
	if job == nil {
		respondError(w, http.StatusNotFound, "Job not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, JobResponse{
		ID:             job.ID,
		EnvelopeHash:   job.EnvelopeHash,
		SourceChainID:  job.SourceChainID,
		TargetChainID:  job.TargetChainID,
		Status:         job.Status,
		OriginTxHash:   job.OriginTxHash,
		LockedFee:      job.LockedFee,
		UsedFee:        job.UsedFee,
		DeliveryTxHash: job.DeliveryTxHash,
		RetryCount:     job.RetryCount,
		Error:          job.ErrorMessage,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	})
}

// ==================== Helper Functions ====================

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}

// respondRevert maps a hub error to a status code by its revert kind
func (h *Handler) respondRevert(w http.ResponseWriter, op string, err error) {
	kind := revert.KindOf(err)
	code := statusForKind(kind)
	if code == http.StatusInternalServerError {
		h.logger.Error("Hub call failed", zap.String("operation", op), zap.Error(err))
	}
	respondJSON(w, code, ErrorResponse{
		Error:   revert.Reason(err),
		Message: fmt.Sprintf("%s: %v", op, err),
		Kind:    kind.String(),
	})
}

func statusForKind(kind revert.Kind) int {
	switch kind {
	case revert.KindValidation:
		return http.StatusBadRequest
	case revert.KindStateMachine:
		return http.StatusConflict
	case revert.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case revert.KindDelivery:
		return http.StatusBadGateway
	case revert.KindUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("not a hex address: %q", s)
	}
	return common.HexToAddress(s), nil
}

func isHash(s string) bool {
	_, err := parseHash(s)
	return err == nil
}

func parseHash(s string) (common.Hash, error) {
	if len(s) != 2+2*common.HashLength || s[:2] != "0x" {
		return common.Hash{}, fmt.Errorf("not a 32-byte hex hash: %q", s)
	}
	for _, c := range s[2:] {
		if !isHexDigit(c) {
			return common.Hash{}, fmt.Errorf("not a 32-byte hex hash: %q", s)
		}
	}
	return common.HexToHash(s), nil
}

func isHexDigit(c rune) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal integer: %q", s)
	}
	if v.Sign() < 0 {
		return nil, errors.New("amount is negative")
	}
	return v, nil
}

func pathAddress(r *http.Request, name string) (common.Address, error) {
	return parseAddress(mux.Vars(r)[name])
}

func pathHash(r *http.Request, name string) (common.Hash, error) {
	return parseHash(mux.Vars(r)[name])
}

func matchHash(r *http.Request, env envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	want, err := pathHash(r, "hash")
	if err != nil {
		return err
	}
	if got := env.Hash(); got != want {
		return fmt.Errorf("envelope hashes to %s", got.Hex())
	}
	return nil
}
