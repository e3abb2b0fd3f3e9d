package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConnectWithRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	conn, err := ConnectWithRetry(context.Background(), zap.NewNop(), 5, time.Millisecond, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "db", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "db", conn)
	assert.Equal(t, 3, calls)
}

func TestConnectWithRetry_GivesUp(t *testing.T) {
	cause := errors.New("connection refused")
	calls := 0
	_, err := ConnectWithRetry(context.Background(), zap.NewNop(), 3, time.Millisecond, func(context.Context) (int, error) {
		calls++
		return 0, cause
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
}

func TestConnectWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ConnectWithRetry(ctx, zap.NewNop(), 10, time.Hour, func(context.Context) (int, error) {
		return 0, errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
