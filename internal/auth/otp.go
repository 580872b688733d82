package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"whatsapp-gateway/internal/audit"
	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/hashing"
	"whatsapp-gateway/internal/model"
	"whatsapp-gateway/internal/ratelimit"
	"whatsapp-gateway/internal/util"
)

var (
	ErrRateLimited      = errors.New("too many requests")
	ErrPhoneNotAllowed  = errors.New("phone number not authorized")
	ErrInvalidCode      = errors.New("invalid verification code")
	ErrChallengeExpired = errors.New("no active verification code")
	ErrDispatchFailed   = errors.New("failed to deliver verification code")
)

// RateLimitError wraps ErrRateLimited with the window reset hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// InvalidCodeError wraps ErrInvalidCode with the remaining attempt budget.
type InvalidCodeError struct {
	AttemptsRemaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid verification code, %d attempts remaining", e.AttemptsRemaining)
}

func (e *InvalidCodeError) Unwrap() error { return ErrInvalidCode }

// Sender delivers the one-time code as a message to the phone itself.
type Sender interface {
	SendText(ctx context.Context, conversationID, body string) (string, error)
}

// RequestResult is the outcome of a successful RequestOTP.
type RequestResult struct {
	Phone     string
	ExpiresAt time.Time
	// DevCode carries the plaintext code only when dev echo is enabled
	// outside production.
	DevCode string
}

// VerifyResult carries the issued session token after a correct guess.
type VerifyResult struct {
	Token     string
	ExpiresAt time.Time
	Identity  model.Identity
}

// OTPService implements phone-number authentication: a short-lived numeric
// code is sent over WhatsApp and exchanged for a signed session token.
type OTPService struct {
	cfg       *config.Config
	store     ChallengeStore
	limiter   ratelimit.Limiter
	hasher    *hashing.Hasher
	tokens    *TokenIssuer
	allowlist *Allowlist
	sender    Sender
	recorder  audit.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

func NewOTPService(
	cfg *config.Config,
	store ChallengeStore,
	limiter ratelimit.Limiter,
	hasher *hashing.Hasher,
	tokens *TokenIssuer,
	allowlist *Allowlist,
	sender Sender,
	recorder audit.Recorder,
	logger *zap.Logger,
) *OTPService {
	return &OTPService{
		cfg:       cfg,
		store:     store,
		limiter:   limiter,
		hasher:    hasher,
		tokens:    tokens,
		allowlist: allowlist,
		sender:    sender,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// RequestOTP issues a fresh challenge for the phone, replacing any live
// one, and dispatches the code as a WhatsApp text. Both the phone and the
// caller's IP consume rate-limit budget; either denial rejects the request
// before any code is generated.
func (s *OTPService) RequestOTP(ctx context.Context, phone, clientIP string) (*RequestResult, error) {
	normalized, err := util.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	checks := []struct {
		scope ratelimit.Scope
		key   string
	}{
		{ratelimit.ScopePhone, normalized},
		{ratelimit.ScopeIP, clientIP},
	}
	for _, check := range checks {
		decision, err := s.limiter.Allow(ctx, check.scope, check.key)
		if err != nil {
			return nil, fmt.Errorf("rate limit check failed: %w", err)
		}
		if !decision.Allowed {
			s.recorder.Record(ctx, audit.EventRateLimited, normalized, clientIP, string(check.scope))
			return nil, &RateLimitError{RetryAfter: decision.RetryAfter}
		}
	}

	if !s.allowlist.Contains(normalized) {
		s.recorder.Record(ctx, audit.EventUnauthorized, normalized, clientIP, "")
		return nil, ErrPhoneNotAllowed
	}

	code, err := generateCode(s.cfg.OTP.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	codeHash, err := s.hasher.Hash(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	now := s.now()
	challenge := model.OTPChallenge{
		Phone:             normalized,
		CodeHash:          codeHash,
		IssuedAt:          now,
		ExpiresAt:         now.Add(s.cfg.OTP.TTL),
		AttemptsRemaining: s.cfg.OTP.MaxAttempts,
	}
	if err := s.store.Put(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	echo := s.cfg.OTP.DevEcho && !s.cfg.IsProduction()

	body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.",
		code, int(s.cfg.OTP.TTL.Minutes()))
	if _, err := s.sender.SendText(ctx, util.PhoneDigits(normalized)+"@s.whatsapp.net", body); err != nil {
		if !echo {
			s.logger.Error("Failed to dispatch verification code",
				util.String("phone", normalized),
				util.ErrorField(err),
			)
			return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
		}
		s.logger.Warn("Code dispatch failed, dev echo active", util.ErrorField(err))
	}

	s.recorder.Record(ctx, audit.EventOTPRequested, normalized, clientIP, "")

	result := &RequestResult{Phone: normalized, ExpiresAt: challenge.ExpiresAt}
	if echo {
		result.DevCode = code
	}
	return result, nil
}

// VerifyOTP checks the guess against the live challenge. A correct guess
// consumes the challenge and returns a session token. Wrong guesses burn
// the attempt budget; exhausting it deletes the challenge so the correct
// code is worthless afterwards.
func (s *OTPService) VerifyOTP(ctx context.Context, phone, code, clientIP string) (*VerifyResult, error) {
	normalized, err := util.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	challenge, err := s.store.Get(ctx, normalized)
	if errors.Is(err, ErrNoChallenge) {
		s.recorder.Record(ctx, audit.EventOTPRejected, normalized, clientIP, "no challenge")
		return nil, ErrChallengeExpired
	} else if err != nil {
		return nil, err
	}

	if challenge.Expired(s.now()) {
		_ = s.store.Delete(ctx, normalized)
		s.recorder.Record(ctx, audit.EventOTPRejected, normalized, clientIP, "expired")
		return nil, ErrChallengeExpired
	}

	match, err := s.hasher.Verify(code, challenge.CodeHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify code: %w", err)
	}
	if !match {
		remaining, err := s.store.DecrementAttempts(ctx, normalized)
		if errors.Is(err, ErrNoChallenge) {
			return nil, ErrChallengeExpired
		} else if err != nil {
			return nil, err
		}
		if remaining <= 0 {
			_ = s.store.Delete(ctx, normalized)
			s.recorder.Record(ctx, audit.EventOTPExhausted, normalized, clientIP, "")
			s.logger.Warn("Attempt budget exhausted", util.String("phone", normalized))
		} else {
			s.recorder.Record(ctx, audit.EventOTPRejected, normalized, clientIP, "wrong code")
		}
		return nil, &InvalidCodeError{AttemptsRemaining: remaining}
	}

	if err := s.store.Delete(ctx, normalized); err != nil {
		return nil, err
	}

	identity := model.Identity{Phone: normalized, Role: s.allowlist.RoleFor(normalized)}
	token, expiresAt, err := s.tokens.Issue(identity)
	if err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, audit.EventOTPVerified, normalized, clientIP, identity.Role)
	return &VerifyResult{Token: token, ExpiresAt: expiresAt, Identity: identity}, nil
}

// generateCode draws a uniform numeric code of the given length from
// crypto/rand, left-padded with zeros.
func generateCode(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
