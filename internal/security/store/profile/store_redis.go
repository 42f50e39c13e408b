package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	platformredis "vigil/internal/platform/redis"
	"vigil/internal/security"
	"vigil/pkg/domain"
	"vigil/pkg/platform/sentinel"
)

// RedisStore persists profiles as JSON values keyed by account id.
type RedisStore struct {
	client *platformredis.Client
}

// NewRedis constructs a Redis-backed profile store.
func NewRedis(client *platformredis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func profileKey(accountID domain.AccountID) string {
	return fmt.Sprintf("vigil:profile:%s", accountID)
}

func (s *RedisStore) GetProfile(ctx context.Context, accountID domain.AccountID) (*security.Profile, error) {
	raw, err := s.client.Get(ctx, profileKey(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	var p security.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return &p, nil
}

func (s *RedisStore) PutProfile(ctx context.Context, profile *security.Profile) error {
	if profile == nil || profile.AccountID.IsZero() {
		return sentinel.ErrInvalidState
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := s.client.Set(ctx, profileKey(profile.AccountID), raw, 0).Err(); err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}
