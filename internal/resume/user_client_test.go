package resume

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/resumebus/internal/reliability"
	"github.com/glimte/resumebus/messaging"
)

type mockRequester struct {
	mock.Mock
}

func (m *mockRequester) Request(ctx context.Context, target string, env messaging.Envelope, timeout time.Duration) (json.RawMessage, error) {
	args := m.Called(target, env, timeout)
	reply, _ := args.Get(0).(json.RawMessage)
	return reply, args.Error(1)
}

func newTestUserClient(rpc Requester, opts ...UserClientOption) *UserClient {
	opts = append([]UserClientOption{
		WithUserClientLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRequestTimeout(2 * time.Second),
	}, opts...)
	return NewUserClient(rpc, "USER_RPC", opts...)
}

func TestUserClient_ResumeURL(t *testing.T) {
	rpc := &mockRequester{}
	want, err := messaging.NewEnvelope(RequestUserResume, map[string]string{"userId": "u-1"})
	require.NoError(t, err)

	rpc.On("Request", "USER_RPC", want, 2*time.Second).
		Return(json.RawMessage(`{"data":{"url":"https://cdn.example.com/u-1.pdf"}}`), nil).
		Once()

	url, err := newTestUserClient(rpc).ResumeURL(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/u-1.pdf", url)
	rpc.AssertExpectations(t)
}

func TestUserClient_InvalidReplies(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr error
	}{
		{"no data", `{"status":"ok"}`, ErrMissingResumeURL},
		{"no url", `{"data":{"name":"cv.pdf"}}`, ErrMissingResumeURL},
		{"empty url", `{"data":{"url":""}}`, ErrMissingResumeURL},
		{"not json", `nope`, messaging.ErrMalformedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpc := &mockRequester{}
			rpc.On("Request", mock.Anything, mock.Anything, mock.Anything).
				Return(json.RawMessage(tt.reply), nil)

			_, err := newTestUserClient(rpc).ResumeURL(context.Background(), "u-1")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUserClient_MissingUserID(t *testing.T) {
	rpc := &mockRequester{}

	_, err := newTestUserClient(rpc).ResumeURL(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingUserID)
	rpc.AssertNotCalled(t, "Request", mock.Anything, mock.Anything, mock.Anything)
}

func TestUserClient_BreakerOpensOnTimeouts(t *testing.T) {
	rpc := &mockRequester{}
	rpc.On("Request", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &messaging.RequestTimeoutError{Target: "USER_RPC", Timeout: 2 * time.Second}).
		Twice()

	client := newTestUserClient(rpc, WithBreaker(reliability.NewCircuitBreaker(
		reliability.WithName("user-service"),
		reliability.WithFailureThreshold(2),
		reliability.WithTimeout(time.Minute),
		reliability.WithFailurePredicate(unavailable),
	)))

	for i := 0; i < 2; i++ {
		_, err := client.ResumeURL(context.Background(), "u-1")
		assert.ErrorIs(t, err, messaging.ErrRequestTimeout)
	}
	assert.Equal(t, reliability.StateOpen, client.BreakerState())

	_, err := client.ResumeURL(context.Background(), "u-1")
	assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
	rpc.AssertNumberOfCalls(t, "Request", 2)
}

func TestUserClient_RemoteErrorsKeepBreakerClosed(t *testing.T) {
	rpc := &mockRequester{}
	rpc.On("Request", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &messaging.RemoteError{Target: "USER_RPC", Code: "not_found", Message: "no such user"})

	client := newTestUserClient(rpc, WithBreaker(reliability.NewCircuitBreaker(
		reliability.WithFailureThreshold(1),
		reliability.WithFailurePredicate(unavailable),
	)))

	for i := 0; i < 3; i++ {
		_, err := client.ResumeURL(context.Background(), "u-404")
		var remote *messaging.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "not_found", remote.Code)
	}
	assert.Equal(t, reliability.StateClosed, client.BreakerState())
}

func TestUnavailable(t *testing.T) {
	assert.False(t, unavailable(nil))
	assert.False(t, unavailable(&messaging.RemoteError{Code: "handler_error"}))
	assert.False(t, unavailable(context.Canceled))
	assert.True(t, unavailable(&messaging.RequestTimeoutError{}))
	assert.True(t, unavailable(&messaging.PublishFailure{Target: "USER_RPC"}))
}
