package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"gcse-quizgen/internal/models"
)

// Publisher receives periodic progress snapshots.
type Publisher interface {
	Publish(ctx context.Context, snap models.ProgressSnapshot) error
}

// RedisPublisher sends snapshots over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func ProgressChannel(runID string) string {
	return fmt.Sprintf("quizgen:progress:%s", runID)
}

func (p *RedisPublisher) Publish(ctx context.Context, snap models.ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, ProgressChannel(snap.RunID), string(data)).Err()
}
