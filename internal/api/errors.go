package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/investin/ledger-engine/internal/catalog"
	"github.com/investin/ledger-engine/internal/ledger"
)

const (
	codeInvalidRequest = "invalid_request"
	codeUnavailable    = "unavailable"
	codeInternal       = "internal"
)

// errorStatus maps domain errors to a status and a stable error code.
// The first match wins.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{ledger.ErrInvalidOrder, http.StatusBadRequest, "invalid_order"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrInvalidAccount, http.StatusBadRequest, "invalid_account"},
	{catalog.ErrInvalidSymbol, http.StatusBadRequest, "invalid_symbol"},
	{catalog.ErrInvalidType, http.StatusBadRequest, "invalid_instrument_type"},
	{catalog.ErrInvalidPrice, http.StatusBadRequest, "invalid_price"},

	{ledger.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
	{ledger.ErrPositionNotFound, http.StatusNotFound, "position_not_found"},
	{catalog.ErrNotFound, http.StatusNotFound, "instrument_not_found"},

	{ledger.ErrInsufficientFunds, http.StatusConflict, "insufficient_funds"},
	{ledger.ErrInsufficientQuantity, http.StatusConflict, "insufficient_quantity"},
	{ledger.ErrAccountExists, http.StatusConflict, "account_exists"},
	{catalog.ErrInactive, http.StatusConflict, "instrument_inactive"},
	{catalog.ErrDuplicate, http.StatusConflict, "instrument_exists"},

	{ledger.ErrUnavailable, http.StatusServiceUnavailable, codeUnavailable},
}

// writeErr translates err into a JSON error response.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			if e.status >= http.StatusInternalServerError {
				slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
				writeError(w, e.status, e.code, "service temporarily unavailable")
				return
			}
			writeError(w, e.status, e.code, err.Error())
			return
		}
	}
	slog.Error("unhandled error", "method", r.Method, "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
