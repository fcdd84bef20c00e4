package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/riskledger/internal/ledger"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/money"
	"github.com/mbd888/riskledger/internal/scoring"
)

// Headers set by the upstream gateway once it has resolved the caller.
const (
	headerUserID         = "X-User-ID"
	headerIdempotencyKey = "Idempotency-Key"
)

// handlers serves the ledger views, money movements and the ops endpoints.
type handlers struct {
	ledger *ledger.Ledger
	worker *scoring.Worker
}

func (h *handlers) registerRoutes(r *gin.RouterGroup) {
	r.GET("/accounts", h.listAccounts)
	r.GET("/accounts/:id", h.getAccount)
	r.GET("/accounts/:id/statement", h.statement)
	r.GET("/transactions", h.listTransactions)
	r.GET("/transactions/:id", h.getTransaction)
	r.GET("/transactions/by-reference/:reference", h.transactionByReference)
	r.GET("/risk-scores", h.listRiskScores)

	r.POST("/accounts", h.openAccount)
	r.POST("/accounts/:id/deposit", h.deposit)
	r.POST("/accounts/:id/withdraw", h.withdraw)
	r.POST("/transfers", h.transfer)
}

func (h *handlers) registerAdminRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:id/freeze", h.setStatus(h.ledger.FreezeAccount))
	r.POST("/accounts/:id/unfreeze", h.setStatus(h.ledger.UnfreezeAccount))
	r.POST("/accounts/:id/close", h.setStatus(h.ledger.CloseAccount))
	r.GET("/audit", h.audit)
	r.GET("/scoring", h.scoringStatus)
	r.POST("/model/retrain", h.retrain)
}

// TransactionView is a transaction with its risk score, when scored.
type TransactionView struct {
	*ledger.Transaction
	Risk *ledger.RiskScore `json:"risk,omitempty"`
}

// GET /v1/accounts?ownerId=&type=&status=&limit=&cursor=
func (h *handlers) listAccounts(c *gin.Context) {
	var f ledger.AccountFilter
	var err error
	if f.OwnerID, err = queryInt64(c, "ownerId"); err != nil {
		badRequest(c, "invalid_owner", "ownerId must be an integer")
		return
	}
	if f.Limit, err = queryLimit(c); err != nil {
		badRequest(c, "invalid_limit", "limit must be an integer")
		return
	}
	f.Type = ledger.AccountType(c.Query("type"))
	if f.Type != "" && !f.Type.Valid() {
		badRequest(c, "invalid_type", "unknown account type")
		return
	}
	f.Status = ledger.AccountStatus(c.Query("status"))

	page, err := h.ledger.ListAccounts(c.Request.Context(), f, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GET /v1/accounts/:id
func (h *handlers) getAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	a, err := h.ledger.GetAccount(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// GET /v1/accounts/:id/statement?limit=&cursor=
func (h *handlers) statement(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		badRequest(c, "invalid_limit", "limit must be an integer")
		return
	}
	st, err := h.ledger.Statement(c.Request.Context(), id, c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GET /v1/transactions?accountId=&type=&status=&since=&until=&limit=&cursor=
func (h *handlers) listTransactions(c *gin.Context) {
	var f ledger.TransactionFilter
	var err error
	if f.AccountID, err = queryInt64(c, "accountId"); err != nil {
		badRequest(c, "invalid_account", "accountId must be an integer")
		return
	}
	if f.Limit, err = queryLimit(c); err != nil {
		badRequest(c, "invalid_limit", "limit must be an integer")
		return
	}
	if f.Since, err = queryTime(c, "since"); err != nil {
		badRequest(c, "invalid_timestamp", "Use RFC3339 format")
		return
	}
	if f.Until, err = queryTime(c, "until"); err != nil {
		badRequest(c, "invalid_timestamp", "Use RFC3339 format")
		return
	}
	f.Type = ledger.TransactionType(c.Query("type"))
	f.Status = ledger.TransactionStatus(c.Query("status"))

	page, err := h.ledger.ListTransactions(c.Request.Context(), f, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GET /v1/transactions/:id
func (h *handlers) getTransaction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	txn, err := h.ledger.GetTransaction(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	h.writeTransaction(c, txn)
}

// GET /v1/transactions/by-reference/:reference
func (h *handlers) transactionByReference(c *gin.Context) {
	txn, err := h.ledger.TransactionByReference(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.writeTransaction(c, txn)
}

func (h *handlers) writeTransaction(c *gin.Context, txn *ledger.Transaction) {
	rs, err := h.ledger.RiskScore(c.Request.Context(), txn.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TransactionView{Transaction: txn, Risk: rs})
}

// GET /v1/risk-scores?verdict=&minScore=&limit=&cursor=
func (h *handlers) listRiskScores(c *gin.Context) {
	var f ledger.RiskScoreFilter
	var err error
	if f.Limit, err = queryLimit(c); err != nil {
		badRequest(c, "invalid_limit", "limit must be an integer")
		return
	}
	f.Verdict = ledger.Verdict(c.Query("verdict"))
	if f.Verdict != "" && !f.Verdict.Valid() {
		badRequest(c, "invalid_verdict", "verdict must be SAFE, SUSPICIOUS or CRITICAL")
		return
	}
	if s := c.Query("minScore"); s != "" {
		f.MinScore, err = strconv.ParseFloat(s, 64)
		if err != nil || f.MinScore < 0 || f.MinScore > 1 {
			badRequest(c, "invalid_min_score", "minScore must be between 0 and 1")
			return
		}
	}

	page, err := h.ledger.ListRiskScores(c.Request.Context(), f, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// OpenAccountRequest is the body of POST /v1/accounts.
type OpenAccountRequest struct {
	OwnerID  int64  `json:"ownerId"`
	Type     string `json:"type" binding:"required"`
	Currency string `json:"currency"`
}

// MovementRequest is the body of deposit and withdraw calls.
type MovementRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// TransferRequest is the body of POST /v1/transfers.
type TransferRequest struct {
	SourceAccountID int64  `json:"sourceAccountId" binding:"required"`
	DestAccountID   int64  `json:"destAccountId" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
	Description     string `json:"description"`
}

// POST /v1/accounts
func (h *handlers) openAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	actor, ok := actorID(c)
	if !ok {
		return
	}
	owner := req.OwnerID
	if actor != 0 {
		if owner != 0 && owner != actor {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "ownerId must match the caller"})
			return
		}
		owner = actor
	}
	if owner <= 0 {
		badRequest(c, "invalid_owner", "ownerId must be a positive integer")
		return
	}

	a, err := h.ledger.OpenAccount(c.Request.Context(), ledger.OpenAccountRequest{
		OwnerID:  owner,
		Type:     ledger.AccountType(req.Type),
		Currency: req.Currency,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// POST /v1/accounts/:id/deposit
func (h *handlers) deposit(c *gin.Context) {
	h.move(c, h.ledger.Deposit)
}

// POST /v1/accounts/:id/withdraw
func (h *handlers) withdraw(c *gin.Context) {
	h.move(c, h.ledger.Withdraw)
}

type movementFunc func(ctx context.Context, accountID int64, amount decimal.Decimal, description string, opts ...ledger.OpOption) (*ledger.Transaction, error)

func (h *handlers) move(c *gin.Context, fn movementFunc) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req MovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}
	opts, ok := opOptions(c)
	if !ok {
		return
	}
	txn, err := fn(c.Request.Context(), id, amount, req.Description, opts...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

// POST /v1/transfers
func (h *handlers) transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}
	opts, ok := opOptions(c)
	if !ok {
		return
	}
	txn, err := h.ledger.Transfer(c.Request.Context(), req.SourceAccountID, req.DestAccountID, amount, req.Description, opts...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

// POST /v1/admin/accounts/:id/{freeze,unfreeze,close}
func (h *handlers) setStatus(fn func(context.Context, int64) (*ledger.Account, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		a, err := fn(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, a)
	}
}

// GET /v1/admin/audit
func (h *handlers) audit(c *gin.Context) {
	r, err := h.ledger.Audit(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":     r.OK(),
		"report": r,
	})
}

// GET /v1/admin/scoring
func (h *handlers) scoringStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.worker.Status())
}

// POST /v1/admin/model/retrain
func (h *handlers) retrain(c *gin.Context) {
	m, err := h.worker.Retrain(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual retrain failed", "error", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"modelVersion": m.Version,
		"samples":      m.Samples,
		"synthetic":    m.Synthetic,
		"trainedAt":    m.TrainedAt,
	})
}

// -----------------------------------------------------------------------------
// Request parsing and error mapping
// -----------------------------------------------------------------------------

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid_id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

// actorID reads the caller resolved upstream. A missing header means an
// internal caller acting without an owner check.
func actorID(c *gin.Context) (int64, bool) {
	s := c.GetHeader(headerUserID)
	if s == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid_user", headerUserID+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func opOptions(c *gin.Context) ([]ledger.OpOption, bool) {
	actor, ok := actorID(c)
	if !ok {
		return nil, false
	}
	var opts []ledger.OpOption
	if actor != 0 {
		opts = append(opts, ledger.InitiatedBy(actor))
	}
	if key := c.GetHeader(headerIdempotencyKey); key != "" {
		opts = append(opts, ledger.WithReference(key))
	}
	return opts, true
}

func parseAmount(c *gin.Context, s string) (decimal.Decimal, bool) {
	amount, err := money.Parse(s)
	if err != nil {
		badRequest(c, "invalid_amount", "Amount must be a positive decimal with at most 4 fractional digits")
		return decimal.Zero, false
	}
	return amount, true
}

func queryInt64(c *gin.Context, key string) (int64, error) {
	s := c.Query(key)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func queryLimit(c *gin.Context) (int, error) {
	s := c.Query("limit")
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	s := c.Query(key)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": msg})
}

// writeError maps ledger errors onto HTTP statuses. Order matters:
// several sentinels also match ErrValidation.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		status, code = http.StatusNotFound, "account_not_found"
	case errors.Is(err, ledger.ErrTransactionNotFound):
		status, code = http.StatusNotFound, "transaction_not_found"
	case errors.Is(err, ledger.ErrAccountNotEmpty):
		status, code = http.StatusConflict, "account_not_empty"
	case errors.Is(err, ledger.ErrAccountNotUsable):
		status, code = http.StatusConflict, "account_not_usable"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status, code = http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, ledger.ErrDuplicateReference):
		status, code = http.StatusConflict, "duplicate_reference"
	case errors.Is(err, ledger.ErrValidation):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ledger.ErrIndeterminate):
		status, code = http.StatusGatewayTimeout, "outcome_unknown"
	case errors.Is(err, ledger.ErrStorageUnavailable), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "storage_unavailable"
	}

	var ind *ledger.IndeterminateError
	if errors.As(err, &ind) {
		logging.L(c.Request.Context()).Error("request outcome unknown", "reference", ind.Reference, "error", err)
		c.JSON(status, gin.H{
			"error":     code,
			"message":   "The outcome is unknown; look the transaction up by reference before retrying",
			"reference": ind.Reference,
		})
		return
	}
	if status >= 500 {
		logging.L(c.Request.Context()).Error("request failed", "error", err)
		msg := "The ledger is temporarily unavailable"
		if status == http.StatusInternalServerError {
			msg = "An unexpected error occurred"
		}
		c.JSON(status, gin.H{"error": code, "message": msg})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
