package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces signal keys and channels.
const DefaultRedisPrefix = "signal:"

// redisPayload is the JSON document stored at the signal key and published on
// the signal channel.
type redisPayload struct {
	Value float64   `json:"value"`
	TS    time.Time `json:"ts"`
}

// RedisSource implements Source over Redis: the latest value lives at
// key <prefix><id>, and every write is published on the channel of the same
// name.
type RedisSource struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
	// retryDelay paces the receive loop after a transport error.
	retryDelay time.Duration
}

// NewRedisSource wraps an existing client.
func NewRedisSource(client redis.UniversalClient) *RedisSource {
	return &RedisSource{
		client:     client,
		prefix:     DefaultRedisPrefix,
		logger:     slog.Default().With("component", "signal.redis"),
		retryDelay: 250 * time.Millisecond,
	}
}

// DialRedis creates a source backed by a new single-node client.
func DialRedis(addr, password string, db int) *RedisSource {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisSource(rdb)
}

// WithPrefix overrides the key/channel prefix.
func (s *RedisSource) WithPrefix(prefix string) *RedisSource {
	s.prefix = prefix
	return s
}

// Ping checks connectivity.
func (s *RedisSource) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisSource) Close() error {
	return s.client.Close()
}

func (s *RedisSource) key(id string) string { return s.prefix + id }

// Read implements Reader.
func (s *RedisSource) Read(ctx context.Context, id string) (Value, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Value{}, fmt.Errorf("signal %q: %w", id, ErrUnknownSignal)
	}
	if err != nil {
		return Value{}, unavailable(id, err)
	}
	return decodePayload(id, []byte(raw))
}

// Write implements Writer. Without wait the write is issued in the background
// and failures are only logged.
func (s *RedisSource) Write(ctx context.Context, id string, v float64, wait bool) error {
	data, err := json.Marshal(redisPayload{Value: v, TS: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("signal %q: encode: %w", id, err)
	}
	put := func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key(id), data, 0)
			pipe.Publish(ctx, s.key(id), data)
			return nil
		})
		if err != nil {
			return unavailable(id, err)
		}
		return nil
	}
	if wait {
		return put(ctx)
	}
	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := put(bg); err != nil {
			s.logger.Warn("background write failed", "signal", id, "error", err)
		}
	}()
	return nil
}

// Subscribe implements Reader. The current value is re-read and delivered
// after the initial subscription and after every reconnect, so monitors never
// infer state from silence.
func (s *RedisSource) Subscribe(ctx context.Context, id string, cb Callback) (Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("signal %q: nil callback", id)
	}
	ps := s.client.Subscribe(ctx, s.key(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable(id, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &redisSub{ps: ps, cancel: cancel, done: make(chan struct{})}
	go s.receive(loopCtx, id, ps, cb, sub.done)
	return sub, nil
}

func (s *RedisSource) receive(ctx context.Context, id string, ps *redis.PubSub, cb Callback, done chan struct{}) {
	defer close(done)

	s.deliverCurrent(ctx, id, cb)
	dropped := false
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !dropped {
				s.logger.Warn("signal monitor dropped; holding last state", "signal", id, "error", err)
			}
			dropped = true
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" && dropped {
				s.logger.Info("signal monitor reconnected", "signal", id)
				dropped = false
				s.deliverCurrent(ctx, id, cb)
			}
		case *redis.Message:
			if dropped {
				s.logger.Info("signal monitor reconnected", "signal", id)
				dropped = false
			}
			v, err := decodePayload(id, []byte(m.Payload))
			if err != nil {
				s.logger.Warn("discarding malformed update", "signal", id, "error", err)
				continue
			}
			cb(v)
		}
	}
}

func (s *RedisSource) deliverCurrent(ctx context.Context, id string, cb Callback) {
	v, err := s.Read(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrUnknownSignal) && ctx.Err() == nil {
			s.logger.Warn("initial read failed", "signal", id, "error", err)
		}
		return
	}
	cb(v)
}

func decodePayload(id string, raw []byte) (Value, error) {
	var p redisPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Value{}, fmt.Errorf("signal %q: decode: %w", id, err)
	}
	return Value{Signal: id, V: p.Value, Timestamp: p.TS}, nil
}

type redisSub struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (r *redisSub) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.err = r.ps.Close()
		<-r.done
	})
	return r.err
}

var _ Source = (*RedisSource)(nil)
