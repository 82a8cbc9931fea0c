// Package eventbus carries committed job and scene changes over Redis pub/sub,
// one channel per job.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"adreel-backend/internal/gateway"
	"adreel-backend/internal/logger"
)

const channelPrefix = "generation:"

// Channel is the pub/sub channel carrying jobID's changes.
func Channel(jobID uuid.UUID) string {
	return channelPrefix + jobID.String()
}

type RedisFeed struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewRedisFeed(addr string, log *logger.Logger) (*RedisFeed, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
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

	return &RedisFeed{
		log: log.With("component", "RedisFeed"),
		rdb: rdb,
	}, nil
}

// Publish sends c to its job's channel.
func (f *RedisFeed) Publish(ctx context.Context, c gateway.Change) error {
	if f == nil || f.rdb == nil {
		return fmt.Errorf("redis feed not initialized")
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, Channel(c.JobID), raw).Err()
}

// Subscribe returns once Redis confirmed the subscription.
func (f *RedisFeed) Subscribe(ctx context.Context, jobID uuid.UUID) (gateway.Subscription, error) {
	if f == nil || f.rdb == nil {
		return nil, fmt.Errorf("redis feed not initialized")
	}

	sub := f.rdb.Subscribe(ctx, Channel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	stream := gateway.NewStream(context.WithoutCancel(ctx), 16, sub.Close)
	go f.forward(sub, stream, jobID)
	return stream, nil
}

func (f *RedisFeed) forward(sub *goredis.PubSub, stream *gateway.Stream, jobID uuid.UUID) {
	ch := sub.Channel()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			stream.Finish(nil)
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				// go-redis closes the channel only when the PubSub is closed
				stream.Finish(fmt.Errorf("redis subscription for %s closed", jobID))
				return
			}
			change, err := Decode([]byte(m.Payload))
			if err != nil {
				f.log.Warn("bad redis change payload", "job_id", jobID, "error", err)
				continue
			}
			if change.JobID != jobID {
				continue
			}
			if !stream.Send(change) {
				stream.Finish(nil)
				return
			}
		}
	}
}

// Decode parses a published change and checks it carries the row it names.
func Decode(payload []byte) (gateway.Change, error) {
	var c gateway.Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return gateway.Change{}, err
	}
	switch c.Table {
	case gateway.TableJobs:
		if c.Job == nil {
			return gateway.Change{}, fmt.Errorf("job change without job row")
		}
	case gateway.TableScenes:
		if c.Scene == nil {
			return gateway.Change{}, fmt.Errorf("scene change without scene row")
		}
	default:
		return gateway.Change{}, fmt.Errorf("unexpected table %q", c.Table)
	}
	return c, nil
}

func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.rdb.Ping(ctx).Err()
}

func (f *RedisFeed) Close() error {
	if f == nil || f.rdb == nil {
		return nil
	}
	return f.rdb.Close()
}
