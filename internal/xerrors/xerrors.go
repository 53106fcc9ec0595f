// Package xerrors is the typed error taxonomy for the encoder worker.
// Lower layers classify failures into these kinds; the Lifecycle Engine
// (C9) is the only layer that maps a kind to an action (retry, re-queue,
// force-complete, abandon) — a lower layer never decides retryability
// on its own behalf.
package xerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// APIError mirrors an HTTP error response written to a Direct API caller.
type APIError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

func (e APIError) Error() string { return e.Msg }

func writeHTTPError(w http.ResponseWriter, msg string, status int, err error) APIError {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var errorDetail string
	if err != nil {
		errorDetail = err.Error()
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "error_detail": errorDetail})
	return APIError{msg, status, err}
}

func WriteHTTPUnauthorized(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, msg, http.StatusUnauthorized, err)
}

func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, msg, http.StatusBadRequest, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, msg, http.StatusNotFound, err)
}

func WriteHTTPServiceUnavailable(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, msg, http.StatusServiceUnavailable, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, msg, http.StatusInternalServerError, err)
}

func WriteHTTPBadBodySchema(where string, w http.ResponseWriter, errs []gojsonschema.ResultError) APIError {
	sb := strings.Builder{}
	sb.WriteString("Body validation error in ")
	sb.WriteString(where)
	sb.WriteString(" ")
	for i := 0; i < len(errs); i++ {
		sb.WriteString(errs[i].String())
		sb.WriteString(" ")
	}
	return writeHTTPError(w, sb.String(), http.StatusBadRequest, nil)
}

// UnretriableError wraps an error that should never be retried.
type UnretriableError struct{ error }

func Unretriable(err error) error {
	return UnretriableError{err}
}

func (e UnretriableError) Unwrap() error {
	return e.error
}

func IsUnretriable(err error) bool {
	return errors.As(err, &UnretriableError{})
}

type ObjectNotFoundError struct {
	msg   string
	cause error
}

func (e ObjectNotFoundError) Error() string { return e.msg }
func (e ObjectNotFoundError) Unwrap() error { return e.cause }

func NewObjectNotFoundError(msg string, cause error) error {
	if cause != nil {
		msg = fmt.Sprintf("ObjectNotFoundError: %s: %s", msg, cause)
	} else {
		msg = fmt.Sprintf("ObjectNotFoundError: %s", msg)
	}
	return Unretriable(ObjectNotFoundError{msg: msg, cause: cause})
}

func IsObjectNotFound(err error) bool {
	return errors.As(err, &ObjectNotFoundError{})
}

// Kind is the classification taxonomy from spec.md §7. A lower layer
// (Gateway Client, Content Store Client, Transcoder) attaches one of
// these to every error it returns upward; C9 alone decides what to do
// with it.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientNetwork
	KindRaceLost
	KindAmbiguous
	KindStateConflict
	KindInputMediaFatal
	KindEncoderProcess
	KindContentStoreTransient
	KindPinningFailure
	KindDatabaseUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindRaceLost:
		return "race_lost"
	case KindAmbiguous:
		return "ambiguous"
	case KindStateConflict:
		return "state_conflict"
	case KindInputMediaFatal:
		return "input_media_fatal"
	case KindEncoderProcess:
		return "encoder_process"
	case KindContentStoreTransient:
		return "content_store_transient"
	case KindPinningFailure:
		return "pinning_failure"
	case KindDatabaseUnavailable:
		return "database_unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether C9 should re-queue a job that failed with
// this kind, independent of attempt counts.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindAmbiguous, KindContentStoreTransient, KindDatabaseUnavailable:
		return true
	default:
		return false
	}
}

// ClassifiedError carries a Kind alongside the underlying cause, the
// HTTP status (if any) and an optional structured error code returned
// by a collaborator (e.g. the Gateway's JSON error body).
type ClassifiedError struct {
	Kind       Kind
	HTTPStatus int
	Code       string
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func Classify(kind Kind, httpStatus int, code string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, HTTPStatus: httpStatus, Code: code, Err: err}
}

// AsClassified extracts a *ClassifiedError from err, if any.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

var (
	ErrNotEnabled     = errors.New("NotEnabledError")
	ErrConnectionLost = errors.New("ConnectionLostError")
	ErrUnauthorised   = errors.New("UnauthorisedError")
)
