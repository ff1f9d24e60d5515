package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/resumebus/internal/reliability"
	"github.com/glimte/resumebus/messaging"
)

// RequestUserResume asks the user service where a user's resume lives
const RequestUserResume = "GET_USER_RESUME"

var (
	ErrMissingUserID    = errors.New("resume: user id is required")
	ErrMissingResumeURL = errors.New("resume: user service reply has no resume url")
)

// Requester sends an RPC request and returns the raw reply.
// *messaging.RPCClient implements it.
type Requester interface {
	Request(ctx context.Context, target string, env messaging.Envelope, timeout time.Duration) (json.RawMessage, error)
}

// UserResume is the data of the user service's GET_USER_RESUME reply
type UserResume struct {
	URL string `json:"url"`
}

type userResumeReply struct {
	Data *UserResume `json:"data"`
}

// UserClient queries the user service over RPC. Calls go through a
// circuit breaker that opens when the user service stops answering.
type UserClient struct {
	rpc     Requester
	queue   string
	timeout time.Duration
	breaker *reliability.CircuitBreaker
	logger  *slog.Logger
}

// UserClientOption configures a UserClient
type UserClientOption func(*UserClient)

// WithRequestTimeout sets the per-call reply timeout
func WithRequestTimeout(timeout time.Duration) UserClientOption {
	return func(c *UserClient) {
		c.timeout = timeout
	}
}

// WithBreaker replaces the default circuit breaker
func WithBreaker(cb *reliability.CircuitBreaker) UserClientOption {
	return func(c *UserClient) {
		c.breaker = cb
	}
}

// WithUserClientLogger sets the logger
func WithUserClientLogger(logger *slog.Logger) UserClientOption {
	return func(c *UserClient) {
		c.logger = logger
	}
}

// NewUserClient creates a client for the user service's RPC queue
func NewUserClient(rpc Requester, queue string, options ...UserClientOption) *UserClient {
	c := &UserClient{
		rpc:     rpc,
		queue:   queue,
		timeout: messaging.DefaultRequestTimeout,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.breaker == nil {
		c.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("user-service"),
			reliability.WithFailureThreshold(5),
			reliability.WithTimeout(30*time.Second),
			reliability.WithFailurePredicate(unavailable),
		)
	}

	return c
}

// ResumeURL returns the URL of the resume PDF owned by userID
func (c *UserClient) ResumeURL(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrMissingUserID
	}

	env, err := messaging.NewEnvelope(RequestUserResume, map[string]string{"userId": userID})
	if err != nil {
		return "", err
	}

	var reply json.RawMessage
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		reply, err = c.rpc.Request(ctx, c.queue, env, c.timeout)
		return err
	})
	if err != nil {
		c.logger.Error("failed to fetch resume url", "userId", userID, "error", err)
		return "", fmt.Errorf("fetch resume url for user %s: %w", userID, err)
	}

	var decoded userResumeReply
	if err := json.Unmarshal(reply, &decoded); err != nil {
		return "", fmt.Errorf("fetch resume url for user %s: %w",
			userID, &messaging.DecodeError{What: RequestUserResume + " reply", Err: err})
	}
	if decoded.Data == nil || decoded.Data.URL == "" {
		return "", fmt.Errorf("fetch resume url for user %s: %w", userID, ErrMissingResumeURL)
	}

	return decoded.Data.URL, nil
}

// BreakerState reports the state of the client's circuit breaker
func (c *UserClient) BreakerState() reliability.State {
	return c.breaker.State()
}

// unavailable counts errors that say the user service is not answering.
// An error reply proves the service is up.
func unavailable(err error) bool {
	if err == nil || errors.Is(err, messaging.ErrRemote) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
