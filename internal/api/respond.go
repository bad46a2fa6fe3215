package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/evetrade/ledger-engine/internal/account"
	"github.com/evetrade/ledger-engine/internal/ledger"
	"github.com/evetrade/ledger-engine/internal/reconcile"
	"github.com/evetrade/ledger-engine/internal/store"
)

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps a domain error onto a status code.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	var insufficient *ledger.InsufficientInventoryError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &insufficient),
		errors.Is(err, reconcile.ErrSyncInProgress),
		errors.Is(err, reconcile.ErrItemConflict):
		return http.StatusConflict
	case errors.Is(err, reconcile.ErrNoPrincipals),
		errors.Is(err, reconcile.ErrInvalidAction),
		errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, account.ErrMissingToken),
		errors.Is(err, account.ErrIdentityMismatch),
		errors.Is(err, errValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var errValidation = errors.New("invalid request")

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }
func (e *validationError) Unwrap() error { return errValidation }

func invalid(msg string) error { return &validationError{msg: msg} }
