package accesscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Scope names what an invalidation covers
type Scope string

const (
	ScopePair         Scope = "pair"
	ScopeUser         Scope = "user"
	ScopeTenant       Scope = "tenant"
	ScopeOrganization Scope = "organization"
	ScopeAll          Scope = "all"
)

// Invalidation is one cache invalidation broadcast between instances
type Invalidation struct {
	Scope          Scope  `json:"scope"`
	UserID         string `json:"user_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Origin         string `json:"origin,omitempty"`
}

// InvalidationBus fans invalidations out to other instances
type InvalidationBus interface {
	Publish(ctx context.Context, inv Invalidation) error
}

// NopBus is used by single-instance deployments
type NopBus struct{}

// Publish implements InvalidationBus
func (NopBus) Publish(context.Context, Invalidation) error { return nil }

// RedisOptions parses a Redis URL and applies the connection timeouts the
// bus expects
func RedisOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second
	return opts, nil
}

// RedisBus carries invalidations over a Redis pub/sub channel. Messages an
// instance published itself are skipped on receipt.
type RedisBus struct {
	client  *redis.Client
	channel string
	origin  string
	log     *logrus.Logger
}

// NewRedisBus creates a bus on channel
func NewRedisBus(client *redis.Client, channel string, log *logrus.Logger) *RedisBus {
	if log == nil {
		log = logrus.New()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		log:     log,
	}
}

// Publish implements InvalidationBus
func (b *RedisBus) Publish(ctx context.Context, inv Invalidation) error {
	inv.Origin = b.origin
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Subscribe delivers invalidations from other instances to apply until ctx
// is cancelled. It returns once the subscription is confirmed via ready,
// when ready is non-nil.
func (b *RedisBus) Subscribe(ctx context.Context, apply func(Invalidation), ready chan<- struct{}) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	b.log.WithField("channel", b.channel).Info("Subscribed to cache invalidations")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				b.log.WithError(err).Warn("Dropping malformed invalidation")
				continue
			}
			if inv.Origin == b.origin {
				continue
			}
			apply(inv)
		}
	}
}
