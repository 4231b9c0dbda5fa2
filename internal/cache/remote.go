package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"
)

// healthTimeout bounds remote health probes.
const healthTimeout = 10 * time.Second

// errRemoteMiss signals an absent key on the remote tier.
var errRemoteMiss = errors.New("cache: remote miss")

// RemoteCache wraps a valkey client as the out-of-process cache tier. All
// operations run through a circuit breaker so a flapping remote store cannot
// stall the request path.
type RemoteCache struct {
	client  valkey.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRemoteCache connects to the remote key/value store at addr. The
// connection pool is bounded by maxConns pipelining connections.
func NewRemoteCache(addr string, maxConns int, logger *zap.Logger) (*RemoteCache, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:      []string{addr},
		BlockingPoolSize: maxConns,
	})
	if err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "remote-cache",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("remote cache breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &RemoteCache{client: client, breaker: breaker, logger: logger}, nil
}

// Get fetches a key from the remote tier. Returns errRemoteMiss when absent.
func (r *RemoteCache) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.breaker.Execute(func() (any, error) {
		resp := r.client.Do(ctx, r.client.B().Get().Key(key).Build())
		if err := resp.Error(); err != nil {
			if valkey.IsValkeyNil(err) {
				return nil, errRemoteMiss
			}
			return nil, err
		}
		return resp.AsBytes()
	})
	if err != nil {
		return nil, err
	}
	return raw.([]byte), nil
}

// Set writes a key with TTL to the remote tier.
func (r *RemoteCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.client.Do(ctx, r.client.B().Set().
			Key(key).
			Value(valkey.BinaryString(value)).
			Ex(ttl).
			Build(),
		).Error()
	})
	return err
}

// Delete removes a key from the remote tier.
func (r *RemoteCache) Delete(ctx context.Context, key string) error {
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.client.Do(ctx, r.client.B().Del().Key(key).Build()).Error()
	})
	return err
}

// Healthy probes the remote store with a bounded PING.
func (r *RemoteCache) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.client.Do(ctx, r.client.B().Ping().Build()).Error()
	})
	return err == nil
}

// Close releases the underlying client.
func (r *RemoteCache) Close() {
	r.client.Close()
}
