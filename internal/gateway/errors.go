package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/taskstream/gateway/internal/auth"
	"github.com/taskstream/gateway/internal/codec"
)

// Kind identifies one entry of the platform error taxonomy.
type Kind string

const (
	KindConnection       Kind = "connection_error"
	KindAuth             Kind = "auth_error"
	KindHeartbeatTimeout Kind = "heartbeat_timeout"
	KindDecode           Kind = "decode_error"
	KindSizeLimit        Kind = "size_limit_error"
	KindRateLimit        Kind = "rate_limit_exceeded"
	KindCircuitOpen      Kind = "circuit_open"
	KindTimeout          Kind = "service_timeout"
	KindService          Kind = "service_error"
)

// ClassifiedError is the uniform error shape returned to HTTP callers.
type ClassifiedError struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// downstreamStatusError marks a downstream call that completed with a 5xx.
type downstreamStatusError struct {
	service string
	status  int
}

func (e *downstreamStatusError) Error() string {
	return fmt.Sprintf("service %s returned status %d", e.service, e.status)
}

// RateLimitError builds the 429 response for rejected requests.
func RateLimitError() *ClassifiedError {
	return &ClassifiedError{
		Kind:    KindRateLimit,
		Status:  http.StatusTooManyRequests,
		Message: "Too many requests, please retry later",
	}
}

// CircuitOpenError builds the 503 fail-fast response for a tripped circuit.
func CircuitOpenError(service string) *ClassifiedError {
	return &ClassifiedError{
		Kind:    KindCircuitOpen,
		Status:  http.StatusServiceUnavailable,
		Message: fmt.Sprintf("Service %s is temporarily unavailable", service),
	}
}

// Classifier maps errors from downstream calls and transport components to
// the taxonomy and an HTTP status.
type Classifier struct {
	logger zerolog.Logger
}

func NewClassifier(logger zerolog.Logger) *Classifier {
	return &Classifier{logger: logger.With().Str("component", "classifier").Logger()}
}

// Classify never returns nil; unrecognized errors become a generic
// service_error.
func (c *Classifier) Classify(err error) *ClassifiedError {
	var decodeErr *codec.DecodeError
	var sizeErr *codec.SizeLimitError
	var statusErr *downstreamStatusError
	var netErr net.Error

	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		return &ClassifiedError{
			Kind:    KindAuth,
			Status:  http.StatusUnauthorized,
			Message: "Authentication token was rejected",
			Err:     err,
		}

	case errors.As(err, &decodeErr):
		return &ClassifiedError{
			Kind:    KindDecode,
			Status:  http.StatusBadRequest,
			Message: "Request payload could not be decoded",
			Err:     err,
		}

	case errors.As(err, &sizeErr):
		return &ClassifiedError{
			Kind:    KindSizeLimit,
			Status:  http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("Payload exceeds the %d byte frame limit", sizeErr.Limit),
			Err:     err,
		}

	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return &ClassifiedError{
			Kind:    KindTimeout,
			Status:  http.StatusGatewayTimeout,
			Message: "Downstream service did not respond in time",
			Err:     err,
		}

	case errors.As(err, &statusErr):
		return &ClassifiedError{
			Kind:    KindService,
			Status:  http.StatusBadGateway,
			Message: fmt.Sprintf("Downstream service failed with status %d", statusErr.status),
			Err:     err,
		}

	case isConnectionError(err):
		return &ClassifiedError{
			Kind:    KindConnection,
			Status:  http.StatusBadGateway,
			Message: "Could not reach downstream service",
			Err:     err,
		}
	}

	c.logger.Debug().Err(err).Msg("Unclassified error mapped to service_error")
	return &ClassifiedError{
		Kind:    KindService,
		Status:  http.StatusInternalServerError,
		Message: "Downstream call failed",
		Err:     err,
	}
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
