package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	// Heartbeat marks the client alive in the session for ttl. Refreshing is
	// the same call.
	Heartbeat(ctx context.Context, sessionID, clientID string, ttl time.Duration) error
	Members(ctx context.Context, sessionID string) ([]string, error)
	Remove(ctx context.Context, sessionID, clientID string) error
	SetCursor(ctx context.Context, sessionID, clientID string, data []byte, ttl time.Duration) error
	Cursor(ctx context.Context, sessionID, clientID string) ([]byte, error)
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) Heartbeat(ctx context.Context, sessionID, clientID string, ttl time.Duration) error {
	// ZSET score is the logical expiry (Unix seconds); sweeping happens on
	// read in Members.
	expireAt := time.Now().Add(ttl).Unix()
	return p.rdb.ZAdd(ctx, sessionKey(sessionID), redis.Z{
		Score:  float64(expireAt),
		Member: clientID,
	}).Err()
}

// sweepScript drops members whose logical expiry has passed.
const sweepScript = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
end
return #expired
`

func (p *redisPresence) Members(ctx context.Context, sessionID string) ([]string, error) {
	now := time.Now().Unix()
	script := redis.NewScript(sweepScript)
	if _, err := script.Run(ctx, p.rdb, []string{sessionKey(sessionID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}
	members, err := p.rdb.ZRangeByScore(ctx, sessionKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return members, nil
}

func (p *redisPresence) Remove(ctx context.Context, sessionID, clientID string) error {
	return p.rdb.ZRem(ctx, sessionKey(sessionID), clientID).Err()
}

func (p *redisPresence) SetCursor(ctx context.Context, sessionID, clientID string, data []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(sessionID, clientID), data, ttl).Err()
}

func (p *redisPresence) Cursor(ctx context.Context, sessionID, clientID string) ([]byte, error) {
	data, err := p.rdb.Get(ctx, cursorKey(sessionID, clientID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// noopPresence serves deployments without Redis; presence and cursors
// degrade to empty.
type noopPresence struct{}

func NewNoopPresence() PresenceCache { return noopPresence{} }

func (noopPresence) Heartbeat(context.Context, string, string, time.Duration) error { return nil }
func (noopPresence) Members(context.Context, string) ([]string, error)              { return nil, nil }
func (noopPresence) Remove(context.Context, string, string) error                   { return nil }
func (noopPresence) SetCursor(context.Context, string, string, []byte, time.Duration) error {
	return nil
}
func (noopPresence) Cursor(context.Context, string, string) ([]byte, error) { return nil, nil }
