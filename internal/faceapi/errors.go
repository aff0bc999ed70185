package faceapi

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies face API failures. Callers branch on the kind because
// different classes map to different user-facing outcomes.
type Kind int

const (
	// KindTransient covers network failures, timeouts, and retryable
	// upstream errors. The submission can be retried later.
	KindTransient Kind = iota
	// KindConfig means the API is unreachable by construction: missing or
	// rejected credentials. Fails fast before any detection call.
	KindConfig
	// KindNoFace means the API processed the image but found no face.
	KindNoFace
	// KindValidation means the image itself was rejected (format or size),
	// after the single allowed conversion attempt.
	KindValidation
)

// Error is a classified face API failure.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the classification of an error, defaulting to transient
// for anything that did not originate in this package.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsNoFace reports whether err means no face was found in the input.
func IsNoFace(err error) bool { return kindIs(err, KindNoFace) }

// IsConfig reports whether err is a credentials/configuration failure.
func IsConfig(err error) bool { return kindIs(err, KindConfig) }

func kindIs(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// classifyAPIError maps an upstream error_message string onto the taxonomy.
// The strings follow the Face++ v3 error vocabulary.
func classifyAPIError(msg string) *Error {
	upper := strings.ToUpper(msg)
	switch {
	case strings.Contains(upper, "AUTHORIZATION") || strings.Contains(upper, "AUTHENTICATION"):
		return newError(KindConfig, "face API rejected the configured credentials", errors.New(msg))
	case strings.Contains(upper, "INVALID_IMAGE_SIZE"):
		return newError(KindValidation, "photo dimensions are outside the supported range, use a higher resolution photo", errors.New(msg))
	case strings.Contains(upper, "IMAGE_ERROR_UNSUPPORTED_FORMAT"):
		return newError(KindValidation, "unsupported image format, upload a JPG or PNG photo", errors.New(msg))
	case strings.Contains(upper, "CONCURRENCY_LIMIT_EXCEEDED"):
		return newError(KindTransient, "face API is throttling requests, try again shortly", errors.New(msg))
	default:
		return newError(KindTransient, "face API error", errors.New(msg))
	}
}
