package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultClaimTTL = 5 * time.Minute
	defaultDoneTTL  = 7 * 24 * time.Hour

	claimMarker = "claim:"
	doneMarker  = "done:"
)

var (
	ErrAlreadyProcessed = errors.New("operation already processed")
	ErrInProgress       = errors.New("operation in progress elsewhere")
	ErrClaimLost        = errors.New("idempotency claim lost")
)

// claim sets the key to a claim token unless it already holds a claim or a
// completion record. Returns 1 when claimed, 0 when claimed elsewhere, 2
// when already done.
var claimScript = redis.NewScript(`
local val = redis.call("get", KEYS[1])
if val then
	if string.sub(val, 1, string.len(ARGV[3])) == ARGV[3] then
		return 2
	end
	return 0
end
redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// complete swaps a held claim for a completion record
var completeScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	redis.call("set", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

// release deletes a claim only if it is still ours
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Idempotency guards side effects that must happen at most once across job
// retries and duplicate deliveries
type Idempotency struct {
	client   *redis.Client
	prefix   string
	owner    string
	claimTTL time.Duration
	doneTTL  time.Duration
}

// NewIdempotency creates an idempotency store. Completion records live for
// doneTTL; a claim that is neither completed nor released expires after
// claimTTL.
func NewIdempotency(client *redis.Client, prefix string, claimTTL, doneTTL time.Duration) *Idempotency {
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	if doneTTL <= 0 {
		doneTTL = defaultDoneTTL
	}
	return &Idempotency{
		client:   client,
		prefix:   prefix + ":idempotency:",
		owner:    uuid.New().String(),
		claimTTL: claimTTL,
		doneTTL:  doneTTL,
	}
}

// Claim is an in-progress hold on an idempotency key
type Claim struct {
	store *Idempotency
	key   string
	token string
}

// Claim takes the key for this caller. It returns ErrAlreadyProcessed when
// the key was completed and ErrInProgress when another caller holds it.
func (i *Idempotency) Claim(ctx context.Context, key string) (*Claim, error) {
	token := claimMarker + i.owner + ":" + uuid.New().String()
	res, err := claimScript.Run(ctx, i.client, []string{i.prefix + key},
		token, i.claimTTL.Milliseconds(), doneMarker).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency key %s: %w", key, err)
	}
	switch res {
	case 1:
		return &Claim{store: i, key: key, token: token}, nil
	case 2:
		return nil, ErrAlreadyProcessed
	default:
		return nil, ErrInProgress
	}
}

// Check reports whether key was completed and returns its record
func (i *Idempotency) Check(ctx context.Context, key string) (bool, string, error) {
	val, err := i.client.Get(ctx, i.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to check idempotency key %s: %w", key, err)
	}
	if record, ok := strings.CutPrefix(val, doneMarker); ok {
		return true, record, nil
	}
	return false, "", nil
}

// Complete marks the claimed key done with record. It returns ErrClaimLost
// when the claim expired or was taken over.
func (c *Claim) Complete(ctx context.Context, record string) error {
	res, err := completeScript.Run(ctx, c.store.client, []string{c.store.prefix + c.key},
		c.token, doneMarker+record, c.store.doneTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key %s: %w", c.key, err)
	}
	if res == 0 {
		return ErrClaimLost
	}
	return nil
}

// Release gives the key back so a retry can claim it
func (c *Claim) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, c.store.client, []string{c.store.prefix + c.key}, c.token).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key %s: %w", c.key, err)
	}
	return nil
}
