package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrTransientFetch  = errors.New("transient fetch failure")          // Retryable: network, 5xx, 429
	ErrPermanentFetch  = errors.New("permanent fetch failure")          // Not retryable: 4xx, bad content type
	ErrRetryFailed     = errors.New("request failed after all retries") // Wraps the last underlying error
	ErrClientHTTPError = errors.New("client HTTP error (4xx)")
	ErrServerHTTPError = errors.New("server HTTP error (5xx)")
	ErrOtherHTTPError  = errors.New("other HTTP error (non-2xx)")

	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrPageTooLarge           = errors.New("page exceeds maximum size")
	ErrParsing                = errors.New("parsing error") // Wraps specific parsing error (HTML, URL, JSON)
	ErrFilesystem             = errors.New("filesystem error")
	ErrPersistence            = errors.New("persistence error") // Wraps badger/sqlite errors
	ErrSemaphoreTimeout       = errors.New("timeout acquiring semaphore")
	ErrRequestCreation        = errors.New("failed to create HTTP request")
	ErrResponseBodyRead       = errors.New("failed to read response body")
	ErrMarkdownConversion     = errors.New("failed to convert HTML to markdown")
	ErrConfigValidation       = errors.New("configuration validation error")

	ErrExpressionSyntax = errors.New("expression syntax error")
	ErrTypeMismatch     = errors.New("expression result type mismatch")
	ErrEvaluation       = errors.New("expression evaluation error")
)

// WrapErrorf prefixes err with a formatted message. Returns nil if err is nil.
func WrapErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IsTransient reports whether err should be retried by a fetch task.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentFetch) {
		return false
	}
	return errors.Is(err, ErrTransientFetch)
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrRetryFailed):
		// The last attempt's error is wrapped alongside ErrRetryFailed
		if errors.Is(err, ErrServerHTTPError) {
			return "RetryFailed_HTTPServer"
		}
		if errors.Is(err, ErrClientHTTPError) {
			return "RetryFailed_HTTPClient"
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "RetryFailed_NetworkTimeout"
		}
		errMsg := strings.ToLower(err.Error())
		if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded") {
			return "RetryFailed_NetworkTimeout"
		}
		if strings.Contains(errMsg, "connection refused") {
			return "RetryFailed_ConnectionRefused"
		}
		if strings.Contains(errMsg, "no such host") {
			return "RetryFailed_DNSLookup"
		}
		return "RetryFailed_NetworkOther"
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		switch {
		case strings.Contains(errMsg, " 404 "):
			return "HTTP_404"
		case strings.Contains(errMsg, " 403 "):
			return "HTTP_403"
		case strings.Contains(errMsg, " 401 "):
			return "HTTP_401"
		case strings.Contains(errMsg, " 429 "):
			return "HTTP_429"
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrUnsupportedContentType):
		return "Content_UnsupportedType"
	case errors.Is(err, ErrPageTooLarge):
		return "Content_TooLarge"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "JSON") {
			return "Content_ParsingJSON"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrMarkdownConversion):
		return "Content_Markdown"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrPersistence):
		return "Persistence"
	case errors.Is(err, ErrExpressionSyntax):
		return "Rule_Syntax"
	case errors.Is(err, ErrTypeMismatch):
		return "Rule_TypeMismatch"
	case errors.Is(err, ErrEvaluation):
		return "Rule_Evaluation"
	case errors.Is(err, ErrSemaphoreTimeout):
		return "Resource_SemaphoreTimeout"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if strings.Contains(err.Error(), "semaphore") {
			return "Resource_SemaphoreTimeout"
		}
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	case strings.Contains(lowerErrMsg, "broken pipe"):
		return "Network_BrokenPipe"
	}

	return "Unknown"
}
