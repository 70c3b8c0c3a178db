package provider

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/genai"
)

// Failure is the category of a generation error, used to choose the HTTP
// status reported to clients.
type Failure string

const (
	// FailureRateLimited means the upstream rejected the call for quota or
	// rate reasons. Retrying later may succeed.
	FailureRateLimited Failure = "rate_limited"
	// FailureUnavailable means the upstream could not be reached or reported
	// itself overloaded or unavailable.
	FailureUnavailable Failure = "upstream_unavailable"
	// FailureUnknown is everything else.
	FailureUnknown Failure = "unknown"
)

// rateLimitMarkers and unavailableMarkers match error text from backends
// that do not expose a typed error. Matching is case-insensitive.
var (
	rateLimitMarkers = []string{
		"429",
		"quota",
		"resource_exhausted",
		"rate limit",
		"ratelimit",
		"too many requests",
	}
	unavailableMarkers = []string{
		"503",
		"502",
		"504",
		"unavailable",
		"overloaded",
		"connection refused",
		"no such host",
		"deadline exceeded",
		"timeout",
	}
)

// Classify maps a generation error onto the failure taxonomy.
// A nil error classifies as FailureUnknown.
func Classify(err error) Failure {
	if err == nil {
		return FailureUnknown
	}

	if code, ok := apiErrorCode(err); ok {
		switch {
		case code == 429:
			return FailureRateLimited
		case code == 502, code == 503, code == 504:
			return FailureUnavailable
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return FailureRateLimited
		}
	}
	for _, m := range unavailableMarkers {
		if strings.Contains(msg, m) {
			return FailureUnavailable
		}
	}
	return FailureUnknown
}

// apiErrorCode extracts the HTTP status from a Gemini API error.
func apiErrorCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
