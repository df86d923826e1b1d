package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"kindred/cmd/identity"
	"kindred/cmd/internal/chat"
	"kindred/cmd/internal/connect"
)

const maxBodyBytes = 64 << 10 // 64 KiB

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("http.write.fail", "err", err)
	}
}

// writeError maps a store/service error onto a stable wire code + status.
func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Never leak internals.
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: msg}})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthorized"

	case errors.Is(err, identity.ErrConflict):
		return http.StatusConflict, "conflict"

	case connect.IsDuplicate(err):
		return http.StatusConflict, duplicateCode(err)

	case errors.Is(err, chat.ErrAlreadyDeleted):
		return http.StatusConflict, "already_deleted"

	case errors.Is(err, connect.ErrSelfRequest),
		errors.Is(err, chat.ErrSelfChat),
		errors.Is(err, chat.ErrSelfMessage):
		return http.StatusBadRequest, "self_reference"

	case errors.Is(err, identity.ErrInvalidInput),
		errors.Is(err, connect.ErrInvalidInput),
		errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest, "validation"

	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, "forbidden"

	case errors.Is(err, identity.ErrNotFound),
		errors.Is(err, connect.ErrNotFound),
		errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, "not_found"

	default:
		return http.StatusInternalServerError, "internal"
	}
}

func duplicateCode(err error) string {
	var d connect.DuplicateError
	if errors.As(err, &d) && d.Reason != "" {
		return string(d.Reason)
	}
	return "duplicate_request"
}

// decodeJSON reads a bounded request body into dst, rejecting trailing data.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("httpapi: %w: invalid JSON body", chat.ErrValidation)
	}
	if dec.More() {
		return fmt.Errorf("httpapi: %w: trailing data after JSON body", chat.ErrValidation)
	}
	return nil
}
