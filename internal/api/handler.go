// Package api exposes the ledger, catalog and portfolio over HTTP/JSON and
// pushes executed orders and price moves to WebSocket clients.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/investin/ledger-engine/internal/catalog"
	"github.com/investin/ledger-engine/internal/ledger"
	"github.com/investin/ledger-engine/internal/model"
	"github.com/investin/ledger-engine/internal/portfolio"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	ledger    *ledger.Service
	catalog   *catalog.Catalog
	portfolio *portfolio.Service
	hub       *WSHub // optional; nil disables broadcasts and /ws
	validate  *validator.Validate
}

// NewHandler wires the services. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewHandler(l *ledger.Service, cat *catalog.Catalog, pf *portfolio.Service, hub *WSHub) *Handler {
	h := &Handler{
		ledger:    l,
		catalog:   cat,
		portfolio: pf,
		hub:       hub,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
	if hub != nil {
		cat.OnPriceUpdate(func(inst model.Instrument) {
			hub.Broadcast(PriceEvent(inst))
		})
	}
	return h
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Post("/accounts", h.OpenAccount)
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/", h.GetAccount)
		r.Get("/wallet", h.GetWallet)
		r.Post("/credits", h.AddCredits)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/dashboard", h.GetDashboard)
		r.Get("/watchlist", h.GetWatchlist)
		r.Post("/watchlist", h.Watch)
		r.Delete("/watchlist/{instrumentID}", h.Unwatch)
	})

	r.Post("/orders", h.ExecuteOrder)

	r.Get("/instruments", h.ListInstruments)
	r.Get("/instruments/{instrumentID}", h.GetInstrument)
	r.Put("/instruments/{instrumentID}/price", h.UpdatePrice)

	r.Get("/leaderboard", h.Leaderboard)
}

// --- Request/Response types ---

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	Username string          `json:"username" validate:"required,min=3,max=32"`
	Credits  decimal.Decimal `json:"credits"` // 0 → default signup credits
}

// CreditsRequest is the JSON body for POST /accounts/{accountID}/credits.
type CreditsRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	AccountID    string           `json:"account_id" validate:"required"`
	InstrumentID string           `json:"instrument_id" validate:"required"`
	Side         string           `json:"side" validate:"required,oneof=BUY SELL"`
	Quantity     int64            `json:"quantity" validate:"gt=0"`
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"` // nil → current catalog price
}

// WatchRequest is the JSON body for POST /accounts/{accountID}/watchlist.
type WatchRequest struct {
	InstrumentID string `json:"instrument_id" validate:"required"`
}

// PriceRequest is the JSON body for PUT /instruments/{instrumentID}/price.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// WalletResponse is the wallet view of an account.
type WalletResponse struct {
	AccountID          string          `json:"account_id"`
	WalletBalance      decimal.Decimal `json:"wallet_balance"`
	TotalCreditsEarned decimal.Decimal `json:"total_credits_earned"`
}

func walletOf(a *model.Account) WalletResponse {
	return WalletResponse{
		AccountID:          a.ID,
		WalletBalance:      a.WalletBalance,
		TotalCreditsEarned: a.TotalCreditsEarned,
	}
}

// bind decodes the body into v and runs struct validation.
func (h *Handler) bind(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	if err := h.validate.Struct(v); err != nil {
		return errors.New(describe(err))
	}
	return nil
}

// --- Accounts ---

// OpenAccount handles POST /api/v1/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := h.bind(r, &req); err != nil {
		writeErr(w, r, fmt.Errorf("%w: %s", ledger.ErrInvalidAccount, err))
		return
	}

	acct, err := h.ledger.OpenAccount(r.Context(), req.Username, req.Credits)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ledger.Account(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetWallet handles GET /api/v1/accounts/{accountID}/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ledger.Account(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletOf(acct))
}

// AddCredits handles POST /api/v1/accounts/{accountID}/credits
func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	var req CreditsRequest
	if err := h.bind(r, &req); err != nil {
		writeErr(w, r, fmt.Errorf("%w: %s", ledger.ErrInvalidAmount, err))
		return
	}

	acct, err := h.ledger.AddCredits(r.Context(), chi.URLParam(r, "accountID"), req.Amount)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletOf(acct))
}

// ListTransactions handles GET /api/v1/accounts/{accountID}/transactions
// Returns the account's ledger entries, newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Entries(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Orders ---

// ExecuteOrder handles POST /api/v1/orders
// Applies a BUY or SELL at the given unit price, or at the instrument's
// current price when none is sent.
func (h *Handler) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, fmt.Errorf("%w: invalid request body", ledger.ErrInvalidOrder))
		return
	}
	req.Side = strings.ToUpper(strings.TrimSpace(req.Side))
	if err := h.validate.Struct(&req); err != nil {
		writeErr(w, r, fmt.Errorf("%w: %s", ledger.ErrInvalidOrder, describe(err)))
		return
	}

	ctx := r.Context()

	quote, err := h.catalog.Quote(ctx, req.InstrumentID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	price := quote
	if req.UnitPrice != nil {
		price = *req.UnitPrice
	}

	exec, err := h.ledger.ExecuteOrder(ctx, ledger.Order{
		AccountID:    req.AccountID,
		InstrumentID: req.InstrumentID,
		Side:         model.Side(req.Side),
		Quantity:     req.Quantity,
		UnitPrice:    price,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(OrderEvent(exec))
	}
	writeJSON(w, http.StatusOK, exec)
}

// describe flattens validator errors into "field failed tag" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// --- Portfolio ---

// GetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := h.portfolio.Holdings(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// GetDashboard handles GET /api/v1/accounts/{accountID}/dashboard
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.portfolio.Dashboard(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

// GetWatchlist handles GET /api/v1/accounts/{accountID}/watchlist
func (h *Handler) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	list, err := h.portfolio.Watchlist(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Watch handles POST /api/v1/accounts/{accountID}/watchlist
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	var req WatchRequest
	if err := h.bind(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	inst, err := h.portfolio.Watch(r.Context(), chi.URLParam(r, "accountID"), req.InstrumentID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// Unwatch handles DELETE /api/v1/accounts/{accountID}/watchlist/{instrumentID}
func (h *Handler) Unwatch(w http.ResponseWriter, r *http.Request) {
	err := h.portfolio.Unwatch(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Leaderboard handles GET /api/v1/leaderboard
// Optional ?limit=<n>, default 10, max 100.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	board, err := h.portfolio.Leaderboard(r.Context(), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// --- Catalog ---

// ListInstruments handles GET /api/v1/instruments
// Optional ?type=movie|ipl_team.
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	list, err := h.catalog.List(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetInstrument handles GET /api/v1/instruments/{instrumentID}
func (h *Handler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := h.catalog.Get(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// UpdatePrice handles PUT /api/v1/instruments/{instrumentID}/price
func (h *Handler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := h.bind(r, &req); err != nil {
		writeErr(w, r, fmt.Errorf("%w: %s", catalog.ErrInvalidPrice, err))
		return
	}
	inst, err := h.catalog.UpdatePrice(r.Context(), chi.URLParam(r, "instrumentID"), req.Price)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}
