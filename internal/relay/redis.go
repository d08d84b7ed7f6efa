package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "caresync:rooms"

type RedisRelay struct {
	log     *zap.Logger
	rdb     *goredis.Client
	channel string
}

func NewRedisRelay(logger *zap.Logger, addr, channel string) (*RedisRelay, error) {
	if addr == "" {
		return nil, errors.New("missing redis address")
	}
	if channel == "" {
		channel = DefaultChannel
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisRelay{
		log:     logger.Named("relay").With(zap.String("channel", channel)),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, raw).Err()
}

// StartForwarder subscribes to the channel and hands every envelope to onMsg
// until ctx is cancelled. It returns once the subscription is confirmed.
func (r *RedisRelay) StartForwarder(ctx context.Context, onMsg func(env Envelope)) error {
	if onMsg == nil {
		return errors.New("onMsg callback required")
	}

	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					r.log.Warn("subscription closed")
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					r.log.Warn("bad relay payload", zap.Error(err))
					continue
				}
				onMsg(env)
			}
		}
	}()

	return nil
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
