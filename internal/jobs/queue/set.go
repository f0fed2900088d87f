package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// Set holds one queue per job kind over a shared client
type Set struct {
	queues map[jobs.Kind]*RedisQueue
	logger *zap.Logger
}

// NewSet builds a queue for every declared kind. Kinds missing from
// policies use jobs.DefaultPolicyFor.
func NewSet(client *redis.Client, policies map[jobs.Kind]jobs.Policy, logger *zap.Logger, opts ...Option) *Set {
	s := &Set{
		queues: make(map[jobs.Kind]*RedisQueue, len(jobs.AllKinds())),
		logger: logger,
	}
	for _, kind := range jobs.AllKinds() {
		policy, ok := policies[kind]
		if !ok {
			policy = jobs.DefaultPolicyFor(kind)
		}
		s.queues[kind] = NewRedisQueue(client, kind, policy, logger, opts...)
	}
	return s
}

// Get returns the queue for kind
func (s *Set) Get(kind jobs.Kind) (jobs.Queue, error) {
	q, err := s.Queue(kind)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Queue returns the concrete queue for kind
func (s *Set) Queue(kind jobs.Kind) (*RedisQueue, error) {
	q, ok := s.queues[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrUnknownKind, kind)
	}
	return q, nil
}

// All returns every queue in kind order
func (s *Set) All() []*RedisQueue {
	out := make([]*RedisQueue, 0, len(s.queues))
	for _, kind := range jobs.AllKinds() {
		if q, ok := s.queues[kind]; ok {
			out = append(out, q)
		}
	}
	return out
}

// Queues returns every queue behind the jobs.Queue interface
func (s *Set) Queues() []jobs.Queue {
	all := s.All()
	out := make([]jobs.Queue, len(all))
	for i, q := range all {
		out[i] = q
	}
	return out
}

// Close closes every queue. Each queue is closed even if another fails.
func (s *Set) Close(ctx context.Context) error {
	var errs []error
	for _, q := range s.All() {
		if err := q.Close(ctx); err != nil {
			s.logger.Error("Failed to close queue", zap.String("queue", q.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
