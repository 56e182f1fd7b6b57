package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection for rate limiting and the effective
// permission cache.
type Client struct {
	rdb *goredis.Client
}

// NewClient creates a Redis client from a URL and verifies the connection.
func NewClient(redisURL string) (*Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Wrap builds a Client around an existing go-redis client.
func Wrap(rdb *goredis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

const (
	permVersionPrefix = "permver:"
	permPrefix        = "perm:"
)

// rateLimitScript increments a fixed-window counter, starting the window on
// first use, and returns the count and the window's remaining milliseconds.
var rateLimitScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// RateLimit is the outcome of one fixed-window check.
type RateLimit struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// CheckRateLimit counts one hit against key and reports whether it fits in
// limit hits per window.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (RateLimit, error) {
	res, err := rateLimitScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return RateLimit{}, fmt.Errorf("checking rate limit: %w", err)
	}
	if len(res) != 2 {
		return RateLimit{}, fmt.Errorf("checking rate limit: unexpected reply %v", res)
	}
	count, ttl := res[0], res[1]
	if ttl < 0 {
		ttl = window.Milliseconds()
	}
	return RateLimit{
		Allowed:   count <= int64(limit),
		Remaining: max(limit-int(count), 0),
		ResetIn:   time.Duration(ttl) * time.Millisecond,
	}, nil
}

// PermissionVersion returns the current cache generation of a server, 0 if
// nothing has been invalidated yet.
func (c *Client) PermissionVersion(ctx context.Context, serverID int64) (int64, error) {
	v, err := c.rdb.Get(ctx, permVersionPrefix+strconv.FormatInt(serverID, 10)).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting permission version: %w", err)
	}
	return v, nil
}

// InvalidatePermissions bumps the server's cache generation. Entries written
// under older generations are never read again and expire on their own.
func (c *Client) InvalidatePermissions(ctx context.Context, serverID int64) error {
	if err := c.rdb.Incr(ctx, permVersionPrefix+strconv.FormatInt(serverID, 10)).Err(); err != nil {
		return fmt.Errorf("bumping permission version: %w", err)
	}
	return nil
}

func permKey(serverID, version, channelID, userID int64) string {
	return permPrefix + strconv.FormatInt(serverID, 10) + ":" +
		strconv.FormatInt(version, 10) + ":" +
		strconv.FormatInt(channelID, 10) + ":" +
		strconv.FormatInt(userID, 10)
}

// GetPermissions returns a cached permission bitfield. ok is false on a miss.
func (c *Client) GetPermissions(ctx context.Context, serverID, version, channelID, userID int64) (perms int64, ok bool, err error) {
	v, err := c.rdb.Get(ctx, permKey(serverID, version, channelID, userID)).Int64()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("getting cached permissions: %w", err)
	}
	return v, true, nil
}

// SetPermissions caches a permission bitfield under the given generation.
func (c *Client) SetPermissions(ctx context.Context, serverID, version, channelID, userID, perms int64, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, permKey(serverID, version, channelID, userID), perms, ttl).Err(); err != nil {
		return fmt.Errorf("caching permissions: %w", err)
	}
	return nil
}
