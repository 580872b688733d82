package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"whatsapp-gateway/internal/client"
	"whatsapp-gateway/internal/model"
)

const (
	challengeKeyPrefix = "otp:challenge:"
	attemptsKeyPrefix  = "otp:attempts:"
)

// RedisChallengeStore keeps challenges in Redis so multiple gateway
// replicas share attempt budgets. The challenge body and the attempt
// counter are separate keys with the same expiry; the counter is
// decremented server-side so concurrent guesses cannot double-spend.
type RedisChallengeStore struct {
	redis *client.RedisClient
}

func NewRedisChallengeStore(redisClient *client.RedisClient) *RedisChallengeStore {
	return &RedisChallengeStore{redis: redisClient}
}

func (s *RedisChallengeStore) Put(ctx context.Context, challenge model.OTPChallenge) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	ttl := time.Until(challenge.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("challenge already expired")
	}

	if err := s.redis.Set(ctx, challengeKeyPrefix+challenge.Phone, payload, ttl); err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	if err := s.redis.Set(ctx, attemptsKeyPrefix+challenge.Phone, challenge.AttemptsRemaining, ttl); err != nil {
		return fmt.Errorf("failed to store attempt budget: %w", err)
	}
	return nil
}

func (s *RedisChallengeStore) Get(ctx context.Context, phone string) (model.OTPChallenge, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := s.redis.Get(ctx, challengeKeyPrefix+phone)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return model.OTPChallenge{}, ErrNoChallenge
		}
		return model.OTPChallenge{}, err
	}

	var challenge model.OTPChallenge
	if err := json.Unmarshal([]byte(raw), &challenge); err != nil {
		return model.OTPChallenge{}, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	return challenge, nil
}

func (s *RedisChallengeStore) DecrementAttempts(ctx context.Context, phone string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	remaining, err := s.redis.DecrIfExists(ctx, attemptsKeyPrefix+phone)
	if err != nil {
		return 0, err
	}
	if remaining < 0 {
		return 0, ErrNoChallenge
	}
	return int(remaining), nil
}

func (s *RedisChallengeStore) Delete(ctx context.Context, phone string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.redis.Del(ctx, challengeKeyPrefix+phone, attemptsKeyPrefix+phone)
}
