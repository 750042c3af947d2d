package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ytkara/internal/domain"
)

const DefaultKey = "ytkara:session"

// SessionStateStore keeps the session as one JSON value.
type SessionStateStore struct {
	client *redis.Client
	key    string
}

func NewSessionStateStore(client *redis.Client, key string) *SessionStateStore {
	if key == "" {
		key = DefaultKey
	}
	return &SessionStateStore{client: client, key: key}
}

// Connect parses url, builds a client and verifies it answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

func (s *SessionStateStore) Load(ctx context.Context) (domain.SessionState, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.SessionState{}, domain.ErrNotFound
		}
		return domain.SessionState{}, err
	}
	var state domain.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.SessionState{}, fmt.Errorf("decode session: %w", err)
	}
	return state, nil
}

func (s *SessionStateStore) Save(ctx context.Context, state domain.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, data, 0).Err()
}

func (s *SessionStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
