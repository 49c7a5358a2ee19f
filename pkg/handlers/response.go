// Package handlers is the HTTP surface of the hub. Handlers stay thin:
// decode, call a service, translate the typed error to a status code.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
)

// errorEnvelope is the JSON shape of every API error.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// WriteError translates a typed error into its HTTP status and envelope.
// Unclassified errors log at error level and surface as a bare internal kind
// so nothing sensitive escapes.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	body := errorBody{Kind: string(apperrors.KindInternal)}

	var typed *apperrors.Error
	if errors.As(err, &typed) {
		body.Kind = string(typed.Kind)
		body.Message = typed.Message
		body.Details = typed.Details
	} else {
		logger.Error("Unclassified handler error", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(apperrors.Kind(body.Kind)))
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: body})
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindSetupRequired, apperrors.KindAlreadyConfigured, apperrors.KindConflict,
		apperrors.KindNeedsOAuth, apperrors.KindReauthRequired:
		return http.StatusConflict
	case apperrors.KindUnauthenticated, apperrors.KindAuthStateExpired:
		return http.StatusUnauthorized
	case apperrors.KindForbidden:
		return http.StatusForbidden
	case apperrors.KindUnknownTool, apperrors.KindToolNotActivated, apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindInvalidConfig, apperrors.KindValidation:
		return http.StatusUnprocessableEntity
	case apperrors.KindRateLimited:
		return http.StatusTooManyRequests
	case apperrors.KindToolError:
		return http.StatusBadGateway
	default:
		// Includes frontmatter write rollbacks and crypto failures.
		return http.StatusInternalServerError
	}
}

// DecodeJSON reads the request body into dst, rejecting malformed or oversized
// payloads with KindValidation.
func DecodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "malformed JSON body", err)
	}
	return nil
}
