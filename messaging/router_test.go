package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter(t *testing.T) {
	t.Run("dispatches events by type", func(t *testing.T) {
		router := NewRouter()
		var got []string
		require.NoError(t, router.HandleEventType("RESUME_UPLOADED", EventHandlerFunc(
			func(ctx context.Context, env Envelope) error {
				got = append(got, env.Type)
				return nil
			})))

		require.NoError(t, router.HandleEvent(context.Background(), Envelope{Type: "RESUME_UPLOADED"}))
		assert.Equal(t, []string{"RESUME_UPLOADED"}, got)
	})

	t.Run("handler errors are returned", func(t *testing.T) {
		router := NewRouter()
		boom := errors.New("boom")
		require.NoError(t, router.HandleEventType("RESUME_DELETED", EventHandlerFunc(
			func(ctx context.Context, env Envelope) error { return boom })))

		assert.ErrorIs(t, router.HandleEvent(context.Background(), Envelope{Type: "RESUME_DELETED"}), boom)
	})

	t.Run("unknown events are acknowledged", func(t *testing.T) {
		router := NewRouter()
		assert.NoError(t, router.HandleEvent(context.Background(), Envelope{Type: "SOMETHING_ELSE"}))
	})

	t.Run("dispatches requests by type", func(t *testing.T) {
		router := NewRouter()
		require.NoError(t, router.HandleRequestType("ping", ResponderFunc(
			func(ctx context.Context, env Envelope) (any, error) { return "pong", nil })))

		resp, err := router.RespondRPC(context.Background(), Envelope{Type: "ping"})
		require.NoError(t, err)
		assert.Equal(t, "pong", resp)
	})

	t.Run("unknown requests fail", func(t *testing.T) {
		router := NewRouter()
		_, err := router.RespondRPC(context.Background(), Envelope{Type: "GET_SOMETHING"})

		var handlerErr *HandlerError
		require.ErrorAs(t, err, &handlerErr)
		assert.Equal(t, "unknown_type", handlerErr.Code)
		assert.ErrorIs(t, err, ErrUnknownMessageType)
	})

	t.Run("duplicate and empty registrations are rejected", func(t *testing.T) {
		router := NewRouter()
		noop := EventHandlerFunc(func(ctx context.Context, env Envelope) error { return nil })
		echo := ResponderFunc(func(ctx context.Context, env Envelope) (any, error) { return nil, nil })

		require.NoError(t, router.HandleEventType("RESUME_UPLOADED", noop))
		assert.Error(t, router.HandleEventType("RESUME_UPLOADED", noop))
		assert.ErrorIs(t, router.HandleEventType("", noop), ErrMissingType)

		require.NoError(t, router.HandleRequestType("echo", echo))
		assert.Error(t, router.HandleRequestType("echo", echo))
		assert.ErrorIs(t, router.HandleRequestType("", echo), ErrMissingType)

		// events and requests live in separate namespaces
		assert.NoError(t, router.HandleRequestType("RESUME_UPLOADED", echo))

		assert.Equal(t, []string{"RESUME_UPLOADED"}, router.EventTypes())
		assert.Equal(t, []string{"RESUME_UPLOADED", "echo"}, router.RequestTypes())
	})
}
