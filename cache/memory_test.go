package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "v1:rate:NGN:cNGN", "1.0000", time.Minute))

	v, ok, err := s.Get(ctx, "v1:rate:NGN:cNGN")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.0000", v)
}

func TestGetMissingKey(t *testing.T) {
	s := New()
	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredKeyIsNotReturned(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "q_abc", "quote-body", time.Nanosecond))

	time.Sleep(time.Millisecond)

	_, ok, err := s.Get(ctx, "q_abc")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must not be returned")
}

func TestZeroTTLNeverExpires(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "permanent", "x", 0))

	time.Sleep(time.Millisecond)

	_, ok, err := s.Get(ctx, "permanent")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteRemovesKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, s.Delete(ctx, "k"))

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteAbsentKeyIsNotAnError(t *testing.T) {
	s := New()
	assert.NoError(t, s.Delete(context.Background(), "never-existed"))
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "expiring", "v", time.Nanosecond))
	require.NoError(t, s.Set(ctx, "fresh", "v", time.Minute))
	time.Sleep(time.Millisecond)

	s.Sweep()

	s.mu.RLock()
	_, expiringStillPresent := s.entries["expiring"]
	_, freshStillPresent := s.entries["fresh"]
	s.mu.RUnlock()

	assert.False(t, expiringStillPresent)
	assert.True(t, freshStillPresent)
}
