package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crosspost/domain/model"
	"crosspost/domain/repository"

	"github.com/redis/go-redis/v9"
)

const (
	statePrefix = "crosspost:oauth:state:"
	codePrefix  = "crosspost:oauth:code:"
	// codeTTL bounds how long a consumed authorization code is remembered.
	// Providers expire codes well within this window.
	codeTTL = time.Hour
)

// OAuthStateStore keeps pending authorization states and consumed codes in
// Redis so that every replica sees the same single-use guarantees.
type OAuthStateStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewOAuthStateStore(client redis.Cmdable, ttl time.Duration) *OAuthStateStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &OAuthStateStore{client: client, ttl: ttl}
}

func stateKey(state string) string { return statePrefix + state }

func codeKey(destination model.DestinationType, code string) string {
	return fmt.Sprintf("%s%s:%s", codePrefix, destination, code)
}

func (s *OAuthStateStore) SaveState(ctx context.Context, state string, v repository.OAuthState) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, stateKey(state), payload, s.ttl).Err()
}

// ConsumeState returns and deletes the state atomically; a second call for
// the same state reports ErrNotFound.
func (s *OAuthStateStore) ConsumeState(ctx context.Context, state string) (*repository.OAuthState, error) {
	raw, err := s.client.GetDel(ctx, stateKey(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var v repository.OAuthState
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode oauth state: %w", err)
	}
	return &v, nil
}

// MarkCodeUsed reports true the first time a code is seen for a destination.
func (s *OAuthStateStore) MarkCodeUsed(ctx context.Context, destination model.DestinationType, code string) (bool, error) {
	return s.client.SetNX(ctx, codeKey(destination, code), time.Now().UTC().Unix(), codeTTL).Result()
}

var _ repository.IOAuthStateStore = (*OAuthStateStore)(nil)
