package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL is returned when a URL cannot be normalized.
	ErrInvalidURL = errors.New("invalid url")
	// ErrStoreUnavailable wraps failures of a backing store. The work loop halts on it.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotOwner is returned when a release is attempted by a worker that no longer holds the claim.
	ErrNotOwner = errors.New("claim not owned by caller")
	// ErrNotFound is returned by lookups for unknown fingerprints.
	ErrNotFound = errors.New("not found")
)

// ErrorKind classifies fetch failures.
type ErrorKind string

// Fetch failure kinds.
const (
	KindTimeout         ErrorKind = "Timeout"
	KindConnection      ErrorKind = "ConnectionError"
	KindHTTPStatus      ErrorKind = "HTTPStatus"
	KindContentTooLarge ErrorKind = "ContentTooLarge"
	KindRead            ErrorKind = "ReadError"
)

// FetchError is the classified failure attached to a FetchResult.
type FetchError struct {
	Kind       ErrorKind `json:"kind"`
	StatusCode int       `json:"status_code,omitempty"`
	Err        error     `json:"-"`
}

// Error implements error.
func (e *FetchError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("%s(%d)", e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

// Unwrap exposes the underlying transport error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError builds a FetchError of the given kind.
func NewFetchError(kind ErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

// StatusError builds an HTTPStatus FetchError.
func StatusError(code int) *FetchError {
	return &FetchError{Kind: KindHTTPStatus, StatusCode: code}
}

// ErrorClass is the taxonomy recorded on result documents.
type ErrorClass string

// Error classes.
const (
	ClassInvalidURL       ErrorClass = "InvalidURL"
	ClassRobotsBlocked    ErrorClass = "RobotsBlocked"
	ClassNetworkTransient ErrorClass = "NetworkTransient"
	ClassNetworkPermanent ErrorClass = "NetworkPermanent"
	ClassClaimConflict    ErrorClass = "ClaimConflict"
	ClassLeaseExpired     ErrorClass = "LeaseExpired"
)
