// Package session stores one-time websocket tickets in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"neura/api/internal/auth"
	"neura/api/internal/util"
)

// ErrTicketNotFound is returned for unknown, expired or already used tickets.
var ErrTicketNotFound = errors.New("ticket not found or expired")

// ticketData holds the identity stored behind each ticket
type ticketData struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	CreatedAt time.Time `json:"created_at"`
}

// TicketStore issues and redeems websocket tickets. Only the hash of a
// ticket is used as the key.
type TicketStore struct {
	client *redis.Client
	prefix string
}

// NewTicketStore connects to redisURL and checks it answers.
func NewTicketStore(redisURL string) (*TicketStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewTicketStoreWithClient(client), nil
}

// NewTicketStoreWithClient creates a store from an existing Redis client
func NewTicketStoreWithClient(client *redis.Client) *TicketStore {
	return &TicketStore{
		client: client,
		prefix: "ws-ticket:",
	}
}

func (s *TicketStore) key(ticket string) string {
	return s.prefix + auth.HashToken(ticket)
}

// Issue stores identity behind a fresh ticket that lives for ttl.
func (s *TicketStore) Issue(ctx context.Context, identity auth.Identity, ttl time.Duration) (string, error) {
	if identity.IsZero() {
		return "", errors.New("issue ticket: identity is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	data, err := json.Marshal(ticketData{
		UserID:    identity.ID,
		UserName:  identity.Name,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal ticket: %w", err)
	}

	ticket := util.NewID("tkt")
	if err := s.client.Set(ctx, s.key(ticket), data, ttl).Err(); err != nil {
		return "", fmt.Errorf("save ticket: %w", err)
	}
	return ticket, nil
}

// Redeem consumes a ticket and returns the identity it was issued for. A
// ticket can be redeemed once.
func (s *TicketStore) Redeem(ctx context.Context, ticket string) (auth.Identity, error) {
	if ticket == "" {
		return auth.Identity{}, ErrTicketNotFound
	}
	raw, err := s.client.GetDel(ctx, s.key(ticket)).Result()
	if errors.Is(err, redis.Nil) {
		return auth.Identity{}, ErrTicketNotFound
	}
	if err != nil {
		return auth.Identity{}, fmt.Errorf("redeem ticket: %w", err)
	}

	var data ticketData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return auth.Identity{}, fmt.Errorf("unmarshal ticket: %w", err)
	}
	return auth.Identity{ID: data.UserID, Name: data.UserName}, nil
}

// Close closes the Redis connection
func (s *TicketStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *TicketStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
