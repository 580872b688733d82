package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"whatsapp-gateway/internal/model"
)

// ErrNoChallenge is returned when no live challenge exists for a phone.
var ErrNoChallenge = errors.New("no active challenge")

// ChallengeStore holds at most one live OTP challenge per phone.
type ChallengeStore interface {
	// Put stores the challenge, replacing any existing one for the phone.
	Put(ctx context.Context, challenge model.OTPChallenge) error
	// Get returns the live challenge or ErrNoChallenge.
	Get(ctx context.Context, phone string) (model.OTPChallenge, error)
	// DecrementAttempts atomically burns one attempt and returns how many
	// remain. ErrNoChallenge if none is live.
	DecrementAttempts(ctx context.Context, phone string) (int, error)
	// Delete removes the challenge; removing a missing one is not an error.
	Delete(ctx context.Context, phone string) error
}

// MemoryChallengeStore is the default single-process store. Expired
// challenges are dropped lazily on access.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*model.OTPChallenge
	now        func() time.Time
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{
		challenges: make(map[string]*model.OTPChallenge),
		now:        time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *MemoryChallengeStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryChallengeStore) Put(ctx context.Context, challenge model.OTPChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := challenge
	s.challenges[challenge.Phone] = &stored
	return nil
}

func (s *MemoryChallengeStore) Get(ctx context.Context, phone string) (model.OTPChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, ok := s.challenges[phone]
	if !ok {
		return model.OTPChallenge{}, ErrNoChallenge
	}
	if challenge.Expired(s.now()) {
		delete(s.challenges, phone)
		return model.OTPChallenge{}, ErrNoChallenge
	}
	return *challenge, nil
}

func (s *MemoryChallengeStore) DecrementAttempts(ctx context.Context, phone string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, ok := s.challenges[phone]
	if !ok || challenge.Expired(s.now()) {
		delete(s.challenges, phone)
		return 0, ErrNoChallenge
	}
	challenge.AttemptsRemaining--
	if challenge.AttemptsRemaining < 0 {
		challenge.AttemptsRemaining = 0
	}
	return challenge.AttemptsRemaining, nil
}

func (s *MemoryChallengeStore) Delete(ctx context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, phone)
	return nil
}
