package redisguard

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuard_DuplicateWithinWindow(t *testing.T) {
	g := NewMemoryGuard(30 * time.Second)
	ctx := context.Background()
	userID := uuid.New()

	ok, err := g.Acquire(ctx, userID, "100", "0xdest")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Acquire(ctx, userID, "100", "0xdest")
	require.NoError(t, err)
	assert.False(t, ok, "identical request inside the window must be rejected")

	// Different amount is a different request.
	ok, err = g.Acquire(ctx, userID, "200", "0xdest")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryGuard_ExpiresAfterWindow(t *testing.T) {
	g := NewMemoryGuard(30 * time.Second)
	now := time.Now()
	g.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	userID := uuid.New()

	ok, err := g.Acquire(ctx, userID, "100", "0xdest")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(31 * time.Second)

	ok, err = g.Acquire(ctx, userID, "100", "0xdest")
	require.NoError(t, err)
	assert.True(t, ok, "guard must expire after the window")
}

func TestMemoryGuard_ReleaseFreesWindow(t *testing.T) {
	g := NewMemoryGuard(30 * time.Second)
	ctx := context.Background()
	userID := uuid.New()

	ok, err := g.Acquire(ctx, userID, "100", "0xdest")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, g.Release(ctx, userID, "100", "0xdest"))

	ok, err = g.Acquire(ctx, userID, "100", "0xdest")
	require.NoError(t, err)
	assert.True(t, ok, "release must allow an immediate retry")
}
