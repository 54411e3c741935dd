// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the known errors surfaced by the authorization
// server and renders them over HTTP.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// Error types. The values are the stable machine-readable codes sent to
// clients in the X-Stack-Known-Error header.
const (
	// ErrAccessTokenExpired is returned when an access token is past its exp.
	ErrAccessTokenExpired = "ACCESS_TOKEN_EXPIRED"

	// ErrUnparsableAccessToken is returned for any other access token decode failure.
	ErrUnparsableAccessToken = "UNPARSABLE_ACCESS_TOKEN"

	// ErrProjectNotFound is returned when a project id does not resolve.
	ErrProjectNotFound = "PROJECT_NOT_FOUND"

	// ErrInvalidPublishableClientKey is returned when the client secret does not
	// match any publishable key of the project.
	ErrInvalidPublishableClientKey = "INVALID_PUBLISHABLE_CLIENT_KEY"

	// ErrRedirectURLNotWhitelisted is returned when a redirect target is not
	// allowed by the project's domains.
	ErrRedirectURLNotWhitelisted = "REDIRECT_URL_NOT_WHITELISTED"

	// ErrInvalidScope is returned when a scope outside the allow-list is requested.
	ErrInvalidScope = "INVALID_SCOPE"

	// ErrOAuthProviderNotFoundOrNotEnabled is returned for unknown or disabled providers.
	ErrOAuthProviderNotFoundOrNotEnabled = "OAUTH_PROVIDER_NOT_FOUND_OR_NOT_ENABLED"

	// ErrOuterOAuthTimeout is returned when a pending federated login expired.
	ErrOuterOAuthTimeout = "OUTER_OAUTH_TIMEOUT"

	// ErrInvalidAuthorizationCode is returned when an upstream provider rejects the code.
	ErrInvalidAuthorizationCode = "INVALID_AUTHORIZATION_CODE"

	// ErrOAuthExtraScopeNotAvailableWithSharedOAuthKeys is returned when extra
	// provider scopes are requested from a provider using shared credentials.
	ErrOAuthExtraScopeNotAvailableWithSharedOAuthKeys = "OAUTH_EXTRA_SCOPE_NOT_AVAILABLE_WITH_SHARED_OAUTH_KEYS"

	// ErrOAuthAccessTokenNotAvailableWithSharedOAuthKeys is returned when a
	// connected-account access token is requested for a shared-credential provider.
	ErrOAuthAccessTokenNotAvailableWithSharedOAuthKeys = "OAUTH_ACCESS_TOKEN_NOT_AVAILABLE_WITH_SHARED_OAUTH_KEYS"

	// ErrUserAlreadyConnectedToAnotherOAuthConnection is returned when linking
	// a user that already has a different account of the same provider.
	ErrUserAlreadyConnectedToAnotherOAuthConnection = "USER_ALREADY_CONNECTED_TO_ANOTHER_OAUTH_CONNECTION"

	// ErrOAuthConnectionAlreadyConnectedToAnotherUser is returned when the
	// upstream account already belongs to another user.
	ErrOAuthConnectionAlreadyConnectedToAnotherUser = "OAUTH_CONNECTION_ALREADY_CONNECTED_TO_ANOTHER_USER"

	// ErrOAuthConnectionNotConnectedToUser is returned when no upstream account is linked.
	ErrOAuthConnectionNotConnectedToUser = "OAUTH_CONNECTION_NOT_CONNECTED_TO_USER"

	// ErrOAuthConnectionDoesNotHaveRequiredScope is returned when no stored
	// upstream grant covers the requested scopes.
	ErrOAuthConnectionDoesNotHaveRequiredScope = "OAUTH_CONNECTION_DOES_NOT_HAVE_REQUIRED_SCOPE"

	// ErrInvalidArgument is returned when a request is malformed.
	ErrInvalidArgument = "INVALID_ARGUMENT"

	// ErrUpstreamFailure is returned when an upstream provider call fails.
	ErrUpstreamFailure = "UPSTREAM_FAILURE"

	// ErrIntegrityViolation is returned when persisted state breaks an invariant.
	ErrIntegrityViolation = "INTEGRITY_VIOLATION"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "INTERNAL"
)

var statusByType = map[string]int{
	ErrAccessTokenExpired:                              http.StatusUnauthorized,
	ErrUnparsableAccessToken:                           http.StatusUnauthorized,
	ErrProjectNotFound:                                 http.StatusNotFound,
	ErrInvalidPublishableClientKey:                     http.StatusUnauthorized,
	ErrRedirectURLNotWhitelisted:                       http.StatusBadRequest,
	ErrInvalidScope:                                    http.StatusBadRequest,
	ErrOAuthProviderNotFoundOrNotEnabled:               http.StatusBadRequest,
	ErrOuterOAuthTimeout:                               http.StatusBadRequest,
	ErrInvalidAuthorizationCode:                        http.StatusBadRequest,
	ErrOAuthExtraScopeNotAvailableWithSharedOAuthKeys:  http.StatusBadRequest,
	ErrOAuthAccessTokenNotAvailableWithSharedOAuthKeys: http.StatusBadRequest,
	ErrUserAlreadyConnectedToAnotherOAuthConnection:    http.StatusConflict,
	ErrOAuthConnectionAlreadyConnectedToAnotherUser:    http.StatusConflict,
	ErrOAuthConnectionNotConnectedToUser:               http.StatusBadRequest,
	ErrOAuthConnectionDoesNotHaveRequiredScope:         http.StatusBadRequest,
	ErrInvalidArgument:                                 http.StatusBadRequest,
	ErrUpstreamFailure:                                 http.StatusBadGateway,
}

// Error represents a known error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a known error of the same type, so that
// errors.Is(err, &Error{Type: ErrInvalidScope}) works through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}

// Status returns the HTTP status code for the error type.
func (e *Error) Status() int {
	if s, ok := statusByType[e.Type]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewUpstreamFailureError creates a new upstream failure error
func NewUpstreamFailureError(message string, cause error) *Error {
	return NewError(ErrUpstreamFailure, message, cause)
}

// NewIntegrityViolationError creates a new integrity violation error
func NewIntegrityViolationError(message string, cause error) *Error {
	return NewError(ErrIntegrityViolation, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// TypeOf returns the type of the first known error in err's chain, or "".
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsType checks whether err's chain contains a known error of the given type.
func IsType(err error, errorType string) bool {
	return TypeOf(err) == errorType
}

// IsUpstreamFailure checks if the error is an upstream failure error
func IsUpstreamFailure(err error) bool {
	return IsType(err, ErrUpstreamFailure)
}

// IsIntegrityViolation checks if the error is an integrity violation error
func IsIntegrityViolation(err error) bool {
	return IsType(err, ErrIntegrityViolation)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return IsType(err, ErrInternal)
}

// KnownErrorHeader carries the known error type on error responses.
const KnownErrorHeader = "X-Stack-Known-Error"

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// WriteJSON renders err as a JSON error response. Known errors keep their
// message; anything else is logged and rendered as an opaque 500.
func WriteJSON(w http.ResponseWriter, err error) {
	var known *Error
	if !errors.As(err, &known) || known.Type == ErrInternal || known.Type == ErrIntegrityViolation {
		logger.Errorw("unhandled error", "error", err)
		known = NewInternalError("an internal error occurred", nil)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(KnownErrorHeader, known.Type)
	w.WriteHeader(known.Status())
	_ = json.NewEncoder(w).Encode(errorBody{Code: known.Type, Error: known.Message})
}
