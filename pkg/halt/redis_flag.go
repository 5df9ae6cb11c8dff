package halt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// pubsubChannel is the Redis pub/sub channel halts are broadcast on so
// every process watching the flag observes a trigger promptly instead
// of waiting for its next poll of the key.
const pubsubChannel = "ledger:halt:events"

// redisHaltKey is the durable key holding the current State as JSON.
const redisHaltKey = "ledger:halt:state"

// RedisFlag is the dual-channel HaltFlag: the Redis key is the
// durable channel multiple processes agree on, and the pub/sub
// channel is the low-latency notification channel so is_halted callers
// don't each have to poll Redis on every read. A local cache absorbs
// the pub/sub notification so IsHalted after a trigger never races
// against the writer's own subsequent read.
type RedisFlag struct {
	client   *redis.Client
	resetKey []byte

	mu    sync.RWMutex
	cache State

	subCancel context.CancelFunc
}

// NewRedisFlag connects to Redis, primes the local cache from the
// current key value, and starts the subscription loop that keeps the
// cache current.
func NewRedisFlag(ctx context.Context, client *redis.Client, resetKeySecret []byte) (*RedisFlag, error) {
	f := &RedisFlag{client: client, resetKey: resetKeySecret}

	if err := f.refreshCache(ctx); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	f.subCancel = cancel
	go f.watch(subCtx)

	return f, nil
}

func (f *RedisFlag) refreshCache(ctx context.Context) error {
	raw, err := f.client.Get(ctx, redisHaltKey).Bytes()
	if err == redis.Nil {
		f.mu.Lock()
		f.cache = State{}
		f.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("halt: read redis state: %w", err)
	}
	state, err := unmarshalState(raw)
	if err != nil {
		return fmt.Errorf("halt: decode redis state: %w", err)
	}
	f.mu.Lock()
	f.cache = state
	f.mu.Unlock()
	return nil
}

func (f *RedisFlag) watch(ctx context.Context) {
	sub := f.client.Subscribe(ctx, pubsubChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			state, err := unmarshalState([]byte(msg.Payload))
			if err != nil {
				continue
			}
			f.mu.Lock()
			f.cache = state
			f.mu.Unlock()
		}
	}
}

func (f *RedisFlag) IsHalted(_ context.Context) (State, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cache, nil
}

// TriggerHalt writes the durable key and publishes the notification.
// The caller is responsible for appending the crisis event through the
// writer's halt-emission bypass path before calling this, so the halt
// is itself witnessed on the chain.
func (f *RedisFlag) TriggerHalt(ctx context.Context, reason, crisisEventID string) error {
	f.mu.RLock()
	alreadyHalted := f.cache.Halted
	f.mu.RUnlock()
	if alreadyHalted {
		return nil
	}

	state := State{Halted: true, Reason: reason, CrisisEventID: crisisEventID, SetAt: time.Now().UTC()}
	data, err := marshalState(state)
	if err != nil {
		return fmt.Errorf("halt: marshal state: %w", err)
	}

	if err := f.client.Set(ctx, redisHaltKey, data, 0).Err(); err != nil {
		return fmt.Errorf("halt: write redis state: %w", err)
	}
	if err := f.client.Publish(ctx, pubsubChannel, data).Err(); err != nil {
		return fmt.Errorf("halt: publish halt notification: %w", err)
	}

	f.mu.Lock()
	f.cache = state
	f.mu.Unlock()
	return nil
}

func (f *RedisFlag) ResetWithToken(ctx context.Context, token string) error {
	claims := &operatorClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("halt: unexpected signing method %v", t.Header["alg"])
		}
		return f.resetKey, nil
	})
	if err != nil || !parsed.Valid {
		return Wrap("halt:invalid_reset_token", BandCaller, "operator reset token is invalid", err)
	}
	if claims.Role != "operator" {
		return New("halt:invalid_reset_token", BandCaller, "reset token does not carry operator role")
	}

	empty := State{}
	data, err := marshalState(empty)
	if err != nil {
		return fmt.Errorf("halt: marshal state: %w", err)
	}
	if err := f.client.Set(ctx, redisHaltKey, data, 0).Err(); err != nil {
		return fmt.Errorf("halt: write redis state: %w", err)
	}
	if err := f.client.Publish(ctx, pubsubChannel, data).Err(); err != nil {
		return fmt.Errorf("halt: publish reset notification: %w", err)
	}

	f.mu.Lock()
	f.cache = empty
	f.mu.Unlock()
	return nil
}

// Close stops the subscription loop.
func (f *RedisFlag) Close() {
	if f.subCancel != nil {
		f.subCancel()
	}
}

var (
	_ Flag = (*LocalFlag)(nil)
	_ Flag = (*RedisFlag)(nil)
)
