package models

import (
	"fmt"
	"net/http"
)

// Error types the gateway emits. Closed set; the HTTP layer maps them to
// status codes exactly once.
const (
	ErrTypeInvalidRequest    = "invalid_request_error"
	ErrTypeInvalidModel      = "invalid_model"
	ErrTypeUpstreamAuth      = "upstream_auth_error"
	ErrTypeUpstream          = "upstream_error"
	ErrTypeRateLimited       = "rate_limit_exceeded"
	ErrTypeInsufficientQuota = "insufficient_quota"
	ErrTypeTokenSpent        = "token_already_spent"
	ErrTypeInvalidToken      = "invalid_token"
	ErrTypeMint              = "mint_error"
	ErrTypeCashu             = "cashu_error"
	ErrTypeInternal          = "internal_error"
)

// ProxyError is the single error shape that crosses subsystem boundaries.
// Status is the HTTP status the API layer should respond with.
type ProxyError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Status  int    `json:"-"`

	// CorrelationID is set on internal errors so support can find the log line.
	CorrelationID string `json:"correlation_id,omitempty"`

	// AmountRequiredMsat is set on 413 responses to one-shot ecash payers so
	// the client knows how much to top up.
	AmountRequiredMsat int64 `json:"amount_required_msat,omitempty"`
}

func (e *ProxyError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Envelope renders the OpenAI-compatible error body.
func (e *ProxyError) Envelope() map[string]any {
	inner := map[string]any{
		"message": e.Message,
		"type":    e.Type,
	}
	if e.Code != "" {
		inner["code"] = e.Code
	}
	if e.CorrelationID != "" {
		inner["correlation_id"] = e.CorrelationID
	}
	if e.AmountRequiredMsat > 0 {
		inner["amount_required_msat"] = e.AmountRequiredMsat
	}
	return map[string]any{"error": inner}
}

func NewInvalidRequest(msg string) *ProxyError {
	return &ProxyError{Type: ErrTypeInvalidRequest, Message: msg, Status: http.StatusBadRequest}
}

func NewInvalidModel(id string) *ProxyError {
	return &ProxyError{
		Type:    ErrTypeInvalidModel,
		Message: fmt.Sprintf("model %q is not available on any enabled upstream", id),
		Status:  http.StatusBadRequest,
	}
}

func NewInsufficientBalance(requiredMsat int64) *ProxyError {
	return &ProxyError{
		Type:    ErrTypeInsufficientQuota,
		Code:    "insufficient_balance",
		Message: "balance too low for the requested model",
		Status:  http.StatusPaymentRequired,

		AmountRequiredMsat: requiredMsat,
	}
}

// NewMinimumBalanceRequired is the one-shot ecash variant of insufficient
// balance: 413 with the msat amount a fresh token must carry.
func NewMinimumBalanceRequired(requiredMsat int64) *ProxyError {
	return &ProxyError{
		Type:               ErrTypeInsufficientQuota,
		Code:               "minimum_balance_required",
		Message:            fmt.Sprintf("token value below required %d msat", requiredMsat),
		Status:             http.StatusRequestEntityTooLarge,
		AmountRequiredMsat: requiredMsat,
	}
}

func NewUpstreamError(msg string) *ProxyError {
	return &ProxyError{Type: ErrTypeUpstream, Message: msg, Status: http.StatusBadGateway}
}

func NewUpstreamAuthError(msg string) *ProxyError {
	return &ProxyError{Type: ErrTypeUpstreamAuth, Message: msg, Status: http.StatusBadGateway}
}

func NewRateLimited(msg string) *ProxyError {
	return &ProxyError{Type: ErrTypeRateLimited, Message: msg, Status: http.StatusTooManyRequests}
}

func NewInvalidToken(msg string) *ProxyError {
	return &ProxyError{Type: ErrTypeInvalidToken, Code: "invalid_api_key", Message: msg, Status: http.StatusUnauthorized}
}

func NewTokenSpent() *ProxyError {
	return &ProxyError{
		Type:    ErrTypeTokenSpent,
		Message: "ecash token has already been spent",
		Status:  http.StatusUnauthorized,
	}
}

func NewMintError(msg string) *ProxyError {
	return &ProxyError{Type: ErrTypeMint, Message: msg, Status: http.StatusBadGateway}
}

func NewCashuError(msg string) *ProxyError {
	return &ProxyError{Type: ErrTypeCashu, Message: msg, Status: http.StatusBadRequest}
}

func NewNotImplemented(method string) *ProxyError {
	return &ProxyError{
		Type:    ErrTypeInvalidRequest,
		Code:    "not_implemented",
		Message: fmt.Sprintf("payment method %q is reserved but not yet supported", method),
		Status:  http.StatusNotImplemented,
	}
}

// NewInternal wraps an unexpected failure with a correlation id for support.
func NewInternal(correlationID string) *ProxyError {
	return &ProxyError{
		Type:          ErrTypeInternal,
		Message:       "internal error, contact support with the correlation id",
		Status:        http.StatusInternalServerError,
		CorrelationID: correlationID,
	}
}

// AsProxyError normalizes any error into a ProxyError, minting a correlation
// id via newID for unclassified failures.
func AsProxyError(err error, newID func() string) *ProxyError {
	if pe, ok := err.(*ProxyError); ok {
		return pe
	}
	return NewInternal(newID())
}
