package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mathhhys/blue-byte-booster/internal/middleware"
	"github.com/mathhhys/blue-byte-booster/internal/model"
	"github.com/mathhhys/blue-byte-booster/internal/service"
)

// CreditHandler serves the credit ledger. Balance, history and deduction act
// on the caller's resolved subject: the organization pool when the caller
// holds an active seat in the token's organization, otherwise the caller.
type CreditHandler struct {
	Ledger *service.Ledger
}

// NewCreditHandler panics when ledger is nil.
func NewCreditHandler(ledger *service.Ledger) *CreditHandler {
	if ledger == nil {
		panic("nil ledger passed to NewCreditHandler")
	}
	return &CreditHandler{Ledger: ledger}
}

type historyRequest struct {
	Limit int `query:"limit" validate:"omitempty,min=1,max=500"`
}

type deductRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	ReferenceID string `json:"reference_id" validate:"max=255"`
	Description string `json:"description" validate:"max=255"`
}

type grantRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Type        string `json:"transaction_type" validate:"omitempty,oneof=bonus refund purchase"`
	ReferenceID string `json:"reference_id" validate:"max=255"`
	Description string `json:"description" validate:"max=255"`
}

type balanceView struct {
	model.Balance
	Remaining int64 `json:"remaining_credits"`
}

func (h *CreditHandler) subject(c echo.Context) (model.Subject, error) {
	return h.Ledger.ResolveSubject(c.Request().Context(), middleware.OrgID(c), middleware.ActorID(c))
}

// Balance handles GET /v1/credits/balance.
func (h *CreditHandler) Balance(c echo.Context) error {
	s, err := h.subject(c)
	if err != nil {
		return fail(c, err)
	}
	b, err := h.Ledger.Balance(c.Request().Context(), s)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, balanceView{Balance: b, Remaining: b.Remaining()})
}

// History handles GET /v1/credits/history?limit=.
func (h *CreditHandler) History(c echo.Context) error {
	var req historyRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if req.Limit == 0 {
		req.Limit = 50
	}
	s, err := h.subject(c)
	if err != nil {
		return fail(c, err)
	}
	rows, err := h.Ledger.History(c.Request().Context(), s, req.Limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"subject": s, "transactions": rows})
}

// Deduct handles POST /v1/credits/deduct. Resending a reference_id returns
// the original deduction.
func (h *CreditHandler) Deduct(c echo.Context) error {
	var req deductRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	s, err := h.subject(c)
	if err != nil {
		return fail(c, err)
	}
	res, err := h.Ledger.Deduct(c.Request().Context(), service.DeductRequest{
		Subject:     s,
		Amount:      req.Amount,
		Description: req.Description,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, ledgerView(res))
}

// Grant handles POST /v1/orgs/:org/credits/grant, a manual grant to the
// organization pool.
func (h *CreditHandler) Grant(c echo.Context) error {
	var req grantRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	txType := model.TxBonus
	if req.Type != "" {
		txType = model.TransactionType(req.Type)
	}
	res, err := h.Ledger.Grant(c.Request().Context(), service.GrantRequest{
		Subject:     model.OrgSubject(c.Param("org")),
		Amount:      req.Amount,
		Type:        txType,
		Description: req.Description,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		return fail(c, err)
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, ledgerView(res))
}

// Verify handles GET /v1/orgs/:org/credits/verify, comparing the cached
// pool balance with its ledger rows.
func (h *CreditHandler) Verify(c echo.Context) error {
	v, err := h.Ledger.Verify(c.Request().Context(), model.OrgSubject(c.Param("org")))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func ledgerView(res *service.LedgerResult) echo.Map {
	return echo.Map{
		"transaction": res.Transaction,
		"balance":     balanceView{Balance: res.Balance, Remaining: res.Balance.Remaining()},
		"duplicate":   res.Duplicate,
	}
}
