package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"finsights/internal/core"
	applog "finsights/internal/log"
)

const (
	// UserIDHeader is set by the authenticating proxy in front of the service.
	UserIDHeader = "X-User-ID"

	maxBodyBytes  = 64 << 10
	maxUserIDLen  = 128
	maxQueryValue = 256
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps the error taxonomy to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, core.ErrInvalidRange):
		return http.StatusBadRequest, "invalid_range"
	case errors.Is(err, core.ErrInsufficientCohort):
		return http.StatusNotFound, "insufficient_cohort"
	case errors.Is(err, core.ErrInsufficientData):
		return http.StatusNotFound, "insufficient_data"
	case errors.Is(err, core.ErrNotOptedIn):
		return http.StatusNotFound, "not_opted_in"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, core.ErrDataUnavailable):
		return http.StatusInternalServerError, "data_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// fail logs the outcome of op and renders err. Server-side failures get a
// generic message so storage details stay in the logs.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op, userID string, err error) {
	ctx := r.Context()
	applog.NewStructuredLogger(applog.FromContext(ctx)).LogOutcome(ctx, op, userID, err)

	status, code := statusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusGatewayTimeout:
		msg = "request timed out"
	case code == "data_unavailable":
		msg = "data temporarily unavailable"
	case status >= 500:
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a size-limited JSON object into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: request body is empty", core.ErrInvalidInput)
		case errors.As(err, &tooLarge):
			return fmt.Errorf("%w: request body exceeds %d bytes", core.ErrInvalidInput, tooLarge.Limit)
		default:
			return fmt.Errorf("%w: malformed JSON body: %v", core.ErrInvalidInput, err)
		}
	}
	if dec.More() {
		return fmt.Errorf("%w: request body must contain a single JSON object", core.ErrInvalidInput)
	}
	return nil
}

// resolveUserID picks the user from the explicit value or the identity
// header. When both are present they must agree.
func resolveUserID(r *http.Request, explicit string) (string, error) {
	explicit = sanitizeInput(explicit)
	header := sanitizeInput(r.Header.Get(UserIDHeader))

	userID := explicit
	switch {
	case header != "" && explicit != "" && header != explicit:
		return "", fmt.Errorf("%w: user_id does not match %s", core.ErrInvalidInput, UserIDHeader)
	case userID == "":
		userID = header
	}
	if userID == "" {
		return "", fmt.Errorf("%w: user_id is required", core.ErrInvalidInput)
	}
	if len(userID) > maxUserIDLen {
		return "", fmt.Errorf("%w: user_id too long (max %d characters)", core.ErrInvalidInput, maxUserIDLen)
	}
	return userID, nil
}

// queryValue returns a sanitized query parameter.
func queryValue(r *http.Request, key string) string {
	v := sanitizeInput(r.URL.Query().Get(key))
	if len(v) > maxQueryValue {
		v = v[:maxQueryValue]
	}
	return v
}

// sanitizeInput trims whitespace and removes control characters.
func sanitizeInput(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}
