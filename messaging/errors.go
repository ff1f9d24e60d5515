package messaging

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/glimte/resumebus/internal/rabbitmq"
)

var (
	ErrRequestTimeout      = errors.New("messaging: request timed out")
	ErrHandlerFailed       = errors.New("messaging: handler failed")
	ErrPublishFailed       = errors.New("messaging: publish failed")
	ErrRemote              = errors.New("messaging: remote service returned an error")
	ErrMalformedMessage    = errors.New("messaging: malformed message")
	ErrMissingType         = errors.New("messaging: message type is required")
	ErrUnknownMessageType  = errors.New("messaging: no handler for message type")
	ErrReplyChannelLost    = errors.New("messaging: reply channel lost before a reply arrived")
	ErrMissingExchange     = fmt.Errorf("%w: exchange name is required", rabbitmq.ErrInvalidConfiguration)
	ErrMissingServiceQueue = fmt.Errorf("%w: service queue is required to subscribe", rabbitmq.ErrInvalidConfiguration)
	ErrMissingRequestQueue = fmt.Errorf("%w: request queue is required to serve", rabbitmq.ErrInvalidConfiguration)
)

// RequestTimeoutError is returned when no reply arrives within the timeout
type RequestTimeoutError struct {
	Target        string
	CorrelationID string
	Timeout       time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %v (correlation %s)", e.Target, e.Timeout, e.CorrelationID)
}

// Is matches ErrRequestTimeout
func (e *RequestTimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}

// StatusCode maps the timeout to HTTP 408 for callers that surface it over
// HTTP
func (e *RequestTimeoutError) StatusCode() int {
	return http.StatusRequestTimeout
}

// HandlerError reports a failure of an EventHandler or Responder
type HandlerError struct {
	Type string // envelope type being handled
	Code string // machine readable code sent back to RPC callers
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q failed: %v", e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Is matches ErrHandlerFailed
func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailed
}

// PublishFailure reports that an event or request could not be published
type PublishFailure struct {
	Target   string
	Exchange string
	Err      error
}

func (e *PublishFailure) Error() string {
	return fmt.Sprintf("failed to publish to %s: %v", e.Target, e.Err)
}

func (e *PublishFailure) Unwrap() error {
	return e.Err
}

// Is matches ErrPublishFailed
func (e *PublishFailure) Is(target error) bool {
	return target == ErrPublishFailed
}

// RemoteError is an error reply sent back by the responding service
type RemoteError struct {
	Target        string
	CorrelationID string
	Code          string
	Message       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s replied with error %s: %s", e.Target, e.Code, e.Message)
}

// Is matches ErrRemote
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// DecodeError reports a body that is not a valid envelope or payload
type DecodeError struct {
	What string
	Body string // truncated offending body, if any
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is matches ErrMalformedMessage
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedMessage
}

// ErrorKind classifies errors surfaced by the messaging core
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnection
	KindTimeout
	KindHandler
	KindPublish
	KindRemote
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindHandler:
		return "handler"
	case KindPublish:
		return "publish"
	case KindRemote:
		return "remote"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of the outermost classified error in err's chain
func KindOf(err error) ErrorKind {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *RequestTimeoutError:
			return KindTimeout
		case *RemoteError:
			return KindRemote
		case *HandlerError:
			return KindHandler
		case *PublishFailure:
			return KindPublish
		case *DecodeError:
			return KindDecode
		case *rabbitmq.ConnectionError, *rabbitmq.ChannelError, *rabbitmq.ConsumerError:
			return KindConnection
		}
	}
	return KindUnknown
}

// asHandlerError wraps a handler's error unless it already is one
func asHandlerError(msgType string, err error) error {
	if err == nil {
		return nil
	}
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return err
	}
	return &HandlerError{Type: msgType, Err: err}
}

// errorCode is the code sent in an error reply for err
func errorCode(err error) string {
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) && handlerErr.Code != "" {
		return handlerErr.Code
	}
	return KindOf(err).String() + "_error"
}
