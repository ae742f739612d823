// Package api implements the HTTP surface of the relay server: the REST API
// under /api/v1 and the WebSocket handshake that admits sessions into the
// Hub. Everything except the public auth endpoints needs a Bearer token.
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// Bodies are {"data": ...} on success and {"error": {"message", "code"}}
// on failure. Clients branch on code, never on message.
type (
	dataBody struct {
		Data any `json:"data"`
	}
	errorBody struct {
		Error apiError `json:"error"`
	}
	apiError struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}
)

// JSON encodes payload as-is with the given status.
func JSON(w http.ResponseWriter, status int, payload any) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func Ok(w http.ResponseWriter, payload any)      { JSON(w, http.StatusOK, dataBody{payload}) }
func Created(w http.ResponseWriter, payload any) { JSON(w, http.StatusCreated, dataBody{payload}) }
func NoContent(w http.ResponseWriter)            { w.WriteHeader(http.StatusNoContent) }

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, errorBody{apiError{Message: message, Code: code}})
}

func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "missing or invalid credentials", "unauthorized")
}

func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "not allowed", "forbidden")
}

// ErrNotFound also covers rooms the caller cannot see, so membership is not
// leaked through status codes.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "no such resource", "not_found")
}

func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrUnprocessable reports a well-formed body with invalid field values.
func ErrUnprocessable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnprocessableEntity, message, "validation_error")
}

// ErrInternal never exposes the cause. Log it before calling.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "internal server error", "internal_error")
}

// decodeJSON fills dst from the body, rejecting unknown fields. On failure
// the 400 is already written and the caller just returns.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// idParam reads a positive int64 route parameter.
func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err == nil && id > 0 {
		return id, true
	}
	ErrBadRequest(w, "invalid "+name)
	return 0, false
}
