package streamjob

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tryosschat/openchat-sub000/internal/ai"
)

// AdmissionError is returned synchronously by Submit when a request is refused.
type AdmissionError struct {
	Code    string
	Message string
}

func (e *AdmissionError) Error() string { return e.Message }

var (
	ErrNotOwner         = &AdmissionError{Code: "not_owner", Message: "conversation does not belong to user"}
	ErrQuotaExceeded    = &AdmissionError{Code: "quota_exceeded", Message: "daily usage limit reached"}
	ErrSubsidizedBusy   = &AdmissionError{Code: "subsidized_busy", Message: "another free-tier generation is still running"}
	ErrAlreadyStreaming = &AdmissionError{Code: "already_streaming", Message: "already in progress"}
	ErrInvalidRequest   = &AdmissionError{Code: "invalid_request", Message: "invalid stream request"}
)

var (
	ErrJobNotFound          = errors.New("stream job not found")
	ErrJobStateChanged      = errors.New("stream job is no longer in the expected state")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNoCredential         = errors.New("no api key for provider")
)

const (
	msgQuota        = "Daily usage limit reached. Try again tomorrow or add your own API key."
	msgStartFailed  = "failed to start generation"
	msgStale        = "stale"
	msgAbandoned    = "stale/abandoned"
	msgTimeout      = "The model took too long to respond. Please try again."
	msgInterrupted  = "Generation was interrupted. Please try again."
	msgNoCredential = "No API key is configured for this provider."
	msgUnknown      = "Something went wrong while generating the response."
)

// sanitizeError maps a worker failure to a short message that is safe to
// show in the conversation. Provider bodies and keys never pass through.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *ai.HTTPError
	var streamErr *ai.StreamError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return msgTimeout
	case errors.Is(err, context.Canceled):
		return msgInterrupted
	case errors.Is(err, ErrNoCredential):
		return msgNoCredential
	case errors.As(err, &httpErr):
		switch {
		case httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden:
			return "The provider rejected the API key."
		case httpErr.Status == http.StatusTooManyRequests:
			return "The provider is rate limiting requests. Please try again shortly."
		case httpErr.Status == http.StatusPaymentRequired:
			return "The provider account has insufficient credits."
		case httpErr.Status >= 500:
			return "The provider is temporarily unavailable. Please try again."
		default:
			return "The provider rejected the request."
		}
	case errors.As(err, &streamErr):
		return "The provider reported an error during generation."
	}
	return msgUnknown
}

const maxToolErrorLen = 300

// sanitizeToolError keeps the first line of a tool error, bounded in length.
func sanitizeToolError(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if utf8.RuneCountInString(s) > maxToolErrorLen {
		r := []rune(s)
		s = string(r[:maxToolErrorLen]) + "…"
	}
	if s == "" {
		return "Tool call failed."
	}
	return s
}
