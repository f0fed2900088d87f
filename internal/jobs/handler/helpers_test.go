package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/cache"
	"github.com/jrjohn/engage-cloud-go/internal/domain/entity"
	"github.com/jrjohn/engage-cloud-go/internal/domain/store"
	"github.com/jrjohn/engage-cloud-go/internal/integration"
	"github.com/jrjohn/engage-cloud-go/internal/jobs"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/queue"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/scheduler"
	"github.com/jrjohn/engage-cloud-go/internal/testutil"
)

// tuesday 2026-01-13 10:00 UTC
var testNow = time.Date(2026, 1, 13, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	redis     *miniredis.Miniredis
	clock     *testutil.Clock
	client    *redis.Client
	store     *store.Store
	idem      *cache.Idempotency
	cache     *cache.Cache
	set       *queue.Set
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, client := testutil.NewMiniRedis(t)
	logger := testutil.NewTestLogger(t)
	clock := testutil.NewClock(testNow)
	set := queue.NewSet(client, nil, logger, queue.WithClock(clock.Now))

	return &testEnv{
		redis:     s,
		clock:     clock,
		client:    client,
		store:     store.New(testutil.NewTestDB(t, entity.Models()...)),
		idem:      cache.NewIdempotency(client, "engage", time.Minute, time.Hour),
		cache:     cache.New(client, "engage", "metrics", logger),
		set:       set,
		scheduler: scheduler.New(set, nil, logger, scheduler.WithClock(clock.Now)),
		logger:    logger,
	}
}

func (e *testEnv) counts(t *testing.T, kind jobs.Kind) jobs.Counts {
	t.Helper()
	q, err := e.set.Get(kind)
	require.NoError(t, err)
	c, err := q.GetCounts(context.Background())
	require.NoError(t, err)
	return c
}

func (e *testEnv) job(t *testing.T, kind jobs.Kind, id string) *jobs.Job {
	t.Helper()
	q, err := e.set.Get(kind)
	require.NoError(t, err)
	j, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func newJob(t *testing.T, id string, p jobs.Payload) *jobs.Job {
	t.Helper()
	data, err := jobs.EncodePayload(p.Kind(), p)
	require.NoError(t, err)
	return &jobs.Job{ID: id, Name: p.Kind().String(), Kind: p.Kind(), Data: data, CreatedAt: testNow}
}

func progressOf(t *testing.T, j *jobs.Job) int {
	t.Helper()
	var p int
	require.NoError(t, json.Unmarshal(j.Progress, &p))
	return p
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []integration.Message
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg integration.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "msg-" + msg.To, nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []integration.Notification
	err   error
}

func (f *fakeNotifier) Notify(_ context.Context, n integration.Notification) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.notes = append(f.notes, n)
	return "delivery-" + n.ID, nil
}

type fakeDirectory struct {
	members []integration.Member
	err     error
}

func (f *fakeDirectory) ListMembers(context.Context, string, string) ([]integration.Member, error) {
	return f.members, f.err
}

var errProvider = errors.New("provider unavailable")

func ptr[T any](v T) *T { return &v }
