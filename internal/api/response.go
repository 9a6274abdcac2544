package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Success responses are the raw payload; errors wrap a message and a
// stable machine code:
//
//	{"error": {"message": "Job not found", "code": "not_found"}}
//
// Command-style endpoints that have nothing to return answer with a
// CommandResponse.

// CommandResponse acknowledges an operation that produces no record.
type CommandResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

var okResponse = CommandResponse{Status: "ok"}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// JSON writes payload with the given status code.
func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	// Encode errors past this point cannot be reported to the client; the
	// status line is already on the wire.
	_ = json.NewEncoder(w).Encode(payload)
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, map[string]errorBody{
		"error": {Message: message, Code: code},
	})
}

// ErrBadRequest writes a 400 with the given message.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrUnauthorized writes a 401 with the given message.
func ErrUnauthorized(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnauthorized, message, "unauthorized")
}

// ErrForbidden writes a 403 with the given message.
func ErrForbidden(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusForbidden, message, "forbidden")
}

// ErrNotFound writes a 404 with the given message.
func ErrNotFound(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusNotFound, message, "not_found")
}

// ErrConflict writes a 409 with the given message.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrInternal writes a 500. The real error belongs in the log, not on
// the wire.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "Internal server error", "internal_error")
}

// decodeJSON decodes the request body into dst, rejecting unknown fields
// and bodies over 1 MiB. On failure it writes the 400 itself and returns
// false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// decodeOptionalJSON behaves like decodeJSON but accepts an absent or
// empty body, leaving dst untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		ErrBadRequest(w, "Invalid request body")
		return false
	}
	return true
}
