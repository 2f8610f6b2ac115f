// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCommitmentNotFound = errors.New("seed commitment not found")

// CommitmentCache publishes seed commitments before the corresponding ordering
// is revealed, so auditors can verify a randomized ordering was not re-rolled.
// Entries expire after the audit window.
type CommitmentCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewCommitmentCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *CommitmentCache {
	return &CommitmentCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

// Commit stores the commitment under the batch id. NX so a commitment can
// never be overwritten once published.
func (c *CommitmentCache) Commit(ctx context.Context, batchID, commitment string) error {
	return c.client.SetNX(ctx, c.keyPrefix+batchID, commitment, c.expireDuration).Err()
}

func (c *CommitmentCache) GetCommitment(ctx context.Context, batchID string) (string, error) {
	commitment, err := c.client.Get(ctx, c.keyPrefix+batchID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCommitmentNotFound
	}
	return commitment, err
}
