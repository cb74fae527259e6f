package tts

import (
	"errors"
	"fmt"
	"strings"
)

// Reason codes classifying synthesis failures for the tts_error client
// frame. ReasonGeneric is the catch-all.
const (
	ReasonTerms     = "terms"
	ReasonRateLimit = "rate_limit"
	ReasonNoCredits = "no_credits"
	ReasonBadKey    = "bad_key"
	ReasonGeneric   = "error"
)

// ReasonError is a classified synthesis failure.
type ReasonError struct {
	Provider string
	Reason   string
	Message  string
}

func (e *ReasonError) Error() string {
	return fmt.Sprintf("tts %s: %s: %s", e.Provider, e.Reason, e.Message)
}

// Reason extracts the classification code from err, or ReasonGeneric when
// err carries none.
func Reason(err error) string {
	var re *ReasonError
	if errors.As(err, &re) && re.Reason != "" {
		return re.Reason
	}
	return ReasonGeneric
}

// ProviderOf extracts the provider id from a classified failure, or ""
// when err carries none.
func ProviderOf(err error) string {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Provider
	}
	return ""
}

// ClassifyAPIError maps an HTTP error body from an OpenAI-style speech API
// to a reason code by looking for the well-known error code strings.
func ClassifyAPIError(body string) string {
	switch {
	case strings.Contains(body, "model_terms_required"):
		return ReasonTerms
	case strings.Contains(body, "rate_limit_exceeded"):
		return ReasonRateLimit
	case strings.Contains(body, "insufficient_quota"):
		return ReasonNoCredits
	case strings.Contains(body, "invalid_api_key"):
		return ReasonBadKey
	default:
		return ReasonGeneric
	}
}
