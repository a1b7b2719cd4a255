package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "im:presence:"
	lastSeenKeyPrefix = "im:lastseen:"
	presenceTTL       = 90 * time.Second
)

// Redis mirrors presence so other services can look a user up without
// asking the chat node. Keys expire on their own, so a crashed node
// cannot leave a user stuck online.
type Redis struct {
	cli *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}
	return &Redis{cli: cli}, nil
}

func (r *Redis) PresenceOnline(ctx context.Context, userID string) error {
	err := r.cli.Set(ctx, presenceKeyPrefix+userID, "1", presenceTTL).Err()
	return errors.Wrap(err, "presence online")
}

func (r *Redis) PresenceOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	pipe := r.cli.TxPipeline()
	pipe.Del(ctx, presenceKeyPrefix+userID)
	pipe.Set(ctx, lastSeenKeyPrefix+userID, strconv.FormatInt(lastSeen.UnixMilli(), 10), 0)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "presence offline")
}

// PresenceLookup reports whether the mirror currently shows the user
// online.
func (r *Redis) PresenceLookup(ctx context.Context, userID string) (bool, error) {
	n, err := r.cli.Exists(ctx, presenceKeyPrefix+userID).Result()
	if err != nil {
		return false, errors.Wrap(err, "presence lookup")
	}
	return n > 0, nil
}

// LastSeen returns the recorded last-seen instant, or the zero time if
// the user has never gone offline.
func (r *Redis) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	v, err := r.cli.Get(ctx, lastSeenKeyPrefix+userID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "last seen")
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "last seen parse")
	}
	return time.UnixMilli(ms), nil
}

func (r *Redis) Close() error {
	return r.cli.Close()
}
