package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/put_cart_if_newer.lua
var putCartScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

// Client is the Redis-backed dispatcher lock and cart cache
type Client struct {
	rdb           *redis.Client
	putCart       *redis.Script
	releaseScript *redis.Script
	cartTTL       time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, cartTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithRedis(rdb, cartTTL), nil
}

// NewWithRedis wraps an existing go-redis client
func NewWithRedis(rdb *redis.Client, cartTTL time.Duration) *Client {
	return &Client{
		rdb:           rdb,
		putCart:       redis.NewScript(putCartScript),
		releaseScript: redis.NewScript(releaseLockScript),
		cartTTL:       cartTTL,
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// AcquireLock acquires a distributed lock and returns the owner token.
// An empty token with a nil error means the lock is held by someone else.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, lockName(lockKey), token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock releases a distributed lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{lockName(lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// GetCart returns the cached cart snapshot, or nil on a miss
func (c *Client) GetCart(ctx context.Context, customerID string) (*models.Cart, error) {
	payload, err := c.rdb.HGet(ctx, cartKey(customerID), "payload").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cart models.Cart
	if err := json.Unmarshal([]byte(payload), &cart); err != nil {
		return nil, fmt.Errorf("failed to decode cached cart: %w", err)
	}
	return &cart, nil
}

// PutCart stores the snapshot only if it is newer than the cached one.
// It reports whether the snapshot was stored.
func (c *Client) PutCart(ctx context.Context, cart *models.Cart) (bool, error) {
	payload, err := json.Marshal(cart)
	if err != nil {
		return false, fmt.Errorf("failed to encode cart: %w", err)
	}

	result, err := c.putCart.Run(ctx, c.rdb, []string{cartKey(cart.CustomerID)},
		cart.Version, string(payload), int64(c.cartTTL/time.Second)).Result()
	if err != nil {
		return false, fmt.Errorf("put cart script failed: %w", err)
	}

	stored, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return stored == 1, nil
}

// InvalidateCart drops the cached snapshot
func (c *Client) InvalidateCart(ctx context.Context, customerID string) error {
	return c.rdb.Del(ctx, cartKey(customerID)).Err()
}

func lockName(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

func cartKey(customerID string) string {
	return fmt.Sprintf("cart:%s", customerID)
}
