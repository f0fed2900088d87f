package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrjohn/engage-cloud-go/internal/testutil"
)

type countingRecorder struct {
	mu           sync.Mutex
	hits, misses int
}

func (r *countingRecorder) RecordCacheHit(context.Context, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits++
}

func (r *countingRecorder) RecordCacheMiss(context.Context, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misses++
}

type aggregate struct {
	Checkins int64   `json:"checkins"`
	Score    float64 `json:"score"`
}

func TestCache_GetSetDelete(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	rec := &countingRecorder{}
	c := New(client, "engage:cache", "metrics", testutil.NewTestLogger(t), WithRecorder(rec))
	ctx := context.Background()

	var got aggregate
	found, err := c.Get(ctx, "org1", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "org1", aggregate{Checkins: 4, Score: 4.5}, time.Minute))
	assert.True(t, s.Exists("engage:cache:metrics:org1"))
	assert.Equal(t, time.Minute, s.TTL("engage:cache:metrics:org1"))

	found, err = c.Get(ctx, "org1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, aggregate{Checkins: 4, Score: 4.5}, got)

	require.NoError(t, c.Delete(ctx, "org1"))
	assert.False(t, s.Exists("engage:cache:metrics:org1"))
	require.NoError(t, c.Delete(ctx))

	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 1, rec.misses)
}

func TestCache_GetCorrupt(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	c := New(client, "engage:cache", "metrics", testutil.NewTestLogger(t))
	require.NoError(t, s.Set("engage:cache:metrics:bad", "{not json"))

	var got aggregate
	_, err := c.Get(context.Background(), "bad", &got)
	assert.Error(t, err)
}

func TestRemember(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	c := New(client, "engage:cache", "metrics", testutil.NewTestLogger(t))
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (aggregate, error) {
		calls++
		return aggregate{Checkins: int64(calls)}, nil
	}

	first, err := Remember(ctx, c, "org1:daily", time.Hour, compute)
	require.NoError(t, err)
	second, err := Remember(ctx, c, "org1:daily", time.Hour, compute)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)

	s.FastForward(time.Hour)
	third, err := Remember(ctx, c, "org1:daily", time.Hour, compute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), third.Checkins)
}

func TestRemember_ComputeError(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	c := New(client, "engage:cache", "metrics", testutil.NewTestLogger(t))

	boom := errors.New("db down")
	_, err := Remember(context.Background(), c, "k", time.Hour, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.Exists("engage:cache:metrics:k"))
}

func TestRemember_CacheDown(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	c := New(client, "engage:cache", "metrics", testutil.NewTestLogger(t))
	s.SetError("ERR simulated outage")
	defer s.SetError("")

	v, err := Remember(context.Background(), c, "k", time.Hour, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestIdempotency_ClaimComplete(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	idem := NewIdempotency(client, "engage", time.Minute, time.Hour)
	ctx := context.Background()

	claim, err := idem.Claim(ctx, "email:job-1")
	require.NoError(t, err)

	_, err = idem.Claim(ctx, "email:job-1")
	assert.ErrorIs(t, err, ErrInProgress)

	done, _, err := idem.Check(ctx, "email:job-1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, claim.Complete(ctx, "msg-42"))

	_, err = idem.Claim(ctx, "email:job-1")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	done, record, err := idem.Check(ctx, "email:job-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "msg-42", record)
}

func TestIdempotency_Release(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	idem := NewIdempotency(client, "engage", time.Minute, time.Hour)
	ctx := context.Background()

	claim, err := idem.Claim(ctx, "notify:n-1")
	require.NoError(t, err)
	require.NoError(t, claim.Release(ctx))

	again, err := idem.Claim(ctx, "notify:n-1")
	require.NoError(t, err)

	// A stale claim cannot release or complete the new holder's claim.
	require.NoError(t, claim.Release(ctx))
	assert.ErrorIs(t, claim.Complete(ctx, "x"), ErrClaimLost)
	require.NoError(t, again.Complete(ctx, "ok"))
}

func TestIdempotency_ClaimExpires(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	idem := NewIdempotency(client, "engage", time.Minute, time.Hour)
	ctx := context.Background()

	claim, err := idem.Claim(ctx, "k")
	require.NoError(t, err)

	s.FastForward(time.Minute)
	_, err = idem.Claim(ctx, "k")
	require.NoError(t, err)
	assert.ErrorIs(t, claim.Complete(ctx, "late"), ErrClaimLost)
}

func TestIdempotency_Defaults(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	idem := NewIdempotency(client, "engage", 0, 0)
	assert.Equal(t, defaultClaimTTL, idem.claimTTL)
	assert.Equal(t, defaultDoneTTL, idem.doneTTL)
}
