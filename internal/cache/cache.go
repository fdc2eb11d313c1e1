// Package cache — Redis-кэш графов flows.
//
// Граф читается на каждом шаге каждого execution, а меняется только при
// импорте flow оператором. Запись кэша — JSON-снимок flow с узлами и рёбрами;
// API сбрасывает запись при любом изменении flow.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shaiso/Funnel/internal/domain"
)

// ErrMiss — записи нет в кэше.
var ErrMiss = errors.New("cache miss")

const (
	defaultPrefix = "funnel:graph:"
	defaultTTL    = 5 * time.Minute
)

// Snapshot — закэшированный граф flow.
type Snapshot struct {
	Flow  domain.Flow   `json:"flow"`
	Nodes []domain.Node `json:"nodes"`
	Edges []domain.Edge `json:"edges"`
}

// GraphCache хранит снимки графов в Redis.
type GraphCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Option — опция GraphCache.
type Option func(*GraphCache)

// WithTTL задаёт время жизни записи.
func WithTTL(ttl time.Duration) Option {
	return func(c *GraphCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithPrefix задаёт префикс ключей.
func WithPrefix(prefix string) Option {
	return func(c *GraphCache) {
		c.prefix = prefix
	}
}

// New создаёт GraphCache поверх готового клиента.
func New(client *redis.Client, opts ...Option) *GraphCache {
	c := &GraphCache{client: client, prefix: defaultPrefix, ttl: defaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect создаёт клиента по URL вида redis://host:6379/0 и проверяет соединение.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (c *GraphCache) key(companyID, flowID uuid.UUID) string {
	return c.prefix + companyID.String() + ":" + flowID.String()
}

// Get возвращает снимок или ErrMiss.
func (c *GraphCache) Get(ctx context.Context, companyID, flowID uuid.UUID) (*Snapshot, error) {
	data, err := c.client.Get(ctx, c.key(companyID, flowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// Битая запись равносильна промаху
		_ = c.client.Del(ctx, c.key(companyID, flowID)).Err()
		return nil, ErrMiss
	}
	return &snap, nil
}

// Set сохраняет снимок.
func (c *GraphCache) Set(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(snap.Flow.CompanyID, snap.Flow.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate удаляет снимок flow.
func (c *GraphCache) Invalidate(ctx context.Context, companyID, flowID uuid.UUID) error {
	if err := c.client.Del(ctx, c.key(companyID, flowID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
