package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/middleware"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error     string             `json:"error"`
	Message   string             `json:"message"`
	Fields    []fault.FieldError `json:"fields,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
}

// writeError maps a fault code onto an HTTP status and renders the
// error body. Internal detail is logged, not returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := fault.GetCode(err)
	status := fault.HTTPStatus(code)

	body := errorBody{
		Error:     string(code),
		RequestID: middleware.GetRequestID(r.Context()),
	}

	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Message = fe.Message
		body.Fields = fe.Fields
		if fe.RetryAfter != nil {
			w.Header().Set("Retry-After", strconv.Itoa(int(fe.RetryAfter.Seconds())))
		}
	} else {
		body.Message = "internal error"
	}

	if status >= 500 {
		slog.Default().With("component", "http").Error("Request failed",
			"path", r.URL.Path, "status", status, "error", err)
		body.Message = "internal error"
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().With("component", "http").Error("Response encoding failed", "error", err)
	}
}

// decodeJSON reads and validates a JSON request body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fault.Newf(fault.CodePayloadTooBig, "request body exceeds %d bytes", maxErr.Limit)
		}
		if errors.Is(err, io.EOF) {
			return fault.New(fault.CodeValidation, "request body is required")
		}
		return fault.Wrap(err, fault.CodeValidation, "malformed JSON body")
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fault.Newf(fault.CodeValidation, "%s must be an integer", name)
	}
	return v, nil
}

func requirePathValue(r *http.Request, name string) (string, error) {
	v := r.PathValue(name)
	if v == "" {
		return "", fault.New(fault.CodeValidation, fmt.Sprintf("%s is required", name))
	}
	return v, nil
}
