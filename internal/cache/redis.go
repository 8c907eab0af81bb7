package cache

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var Client *redis.Client

func InitRedis(ctx context.Context) error {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		addr = "localhost:6379"
	}
	Client = redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis at %s: %w", addr, err)
	}
	zap.L().Info("connected to Redis", zap.String("addr", addr))
	return nil
}
