// Package auth resolves bearer tokens to principals. Identity itself lives
// in the school district's identity platform; that platform writes one
// session record per issued token into Redis, and this package only reads
// them back. Tokens the platform has revoked simply disappear from Redis,
// so revocation needs no coordination with this service.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mwiesner/fleettrack/internal/domain"
)

// DefaultKeyPrefix namespaces session keys in a shared Redis.
const DefaultKeyPrefix = "fleettrack:session:"

// session is the record the identity platform stores per token.
type session struct {
	PrincipalID uuid.UUID `json:"principal_id"`
	Role        string    `json:"role"`
	SchoolID    uuid.UUID `json:"school_id"`
}

// RedisProvider resolves tokens against the identity platform's session
// store.
type RedisProvider struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisProvider connects to the session store at url (redis:// form).
// The connection is verified before the provider is returned.
func NewRedisProvider(ctx context.Context, url, keyPrefix string) (*RedisProvider, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("auth.NewRedisProvider: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("auth.NewRedisProvider: ping: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisProvider{rdb: rdb, prefix: keyPrefix}, nil
}

// WhoIs looks the token up in the session store. Unknown, expired, and
// empty tokens all come back as domain.ErrUnauthorized; the caller cannot
// tell them apart, which is the point.
func (p *RedisProvider) WhoIs(ctx context.Context, token string) (domain.Principal, error) {
	if token == "" {
		return domain.Principal{}, fmt.Errorf("auth.RedisProvider.WhoIs: empty token: %w", domain.ErrUnauthorized)
	}
	raw, err := p.rdb.Get(ctx, p.prefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Principal{}, fmt.Errorf("auth.RedisProvider.WhoIs: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return domain.Principal{}, fmt.Errorf("auth.RedisProvider.WhoIs: %w", err)
	}
	var sess session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return domain.Principal{}, fmt.Errorf("auth.RedisProvider.WhoIs: decode session: %w", err)
	}
	return domain.Principal{
		ID:       sess.PrincipalID,
		Role:     domain.Role(sess.Role),
		SchoolID: sess.SchoolID,
	}, nil
}

func (p *RedisProvider) Close() error {
	return p.rdb.Close()
}

// StaticProvider resolves tokens from a fixed in-memory table. Used in
// development and tests, where running the identity platform is overkill.
type StaticProvider struct {
	tokens map[string]domain.Principal
}

// ParseStaticTokens builds a StaticProvider from a comma-separated list of
// token=principalID:role:schoolID entries.
func ParseStaticTokens(raw string) (*StaticProvider, error) {
	tokens := make(map[string]domain.Principal)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, spec, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("auth.ParseStaticTokens: %q: missing '='", entry)
		}
		parts := strings.Split(spec, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("auth.ParseStaticTokens: %q: want principalID:role:schoolID", entry)
		}
		id, err := uuid.Parse(parts[0])
		if err != nil {
			return nil, fmt.Errorf("auth.ParseStaticTokens: %q: principal id: %w", entry, err)
		}
		schoolID, err := uuid.Parse(parts[2])
		if err != nil {
			return nil, fmt.Errorf("auth.ParseStaticTokens: %q: school id: %w", entry, err)
		}
		tokens[token] = domain.Principal{
			ID:       id,
			Role:     domain.Role(strings.ToUpper(parts[1])),
			SchoolID: schoolID,
		}
	}
	return &StaticProvider{tokens: tokens}, nil
}

func (p *StaticProvider) WhoIs(_ context.Context, token string) (domain.Principal, error) {
	principal, ok := p.tokens[token]
	if !ok {
		return domain.Principal{}, fmt.Errorf("auth.StaticProvider.WhoIs: %w", domain.ErrUnauthorized)
	}
	return principal, nil
}
