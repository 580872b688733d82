package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"whatsapp-gateway/internal/audit"
	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/hashing"
	"whatsapp-gateway/internal/model"
	"whatsapp-gateway/internal/ratelimit"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (f *fakeSender) SendText(ctx context.Context, conversationID, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("not connected")
	}
	f.sent = append(f.sent, body)
	return "msg-1", nil
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		OTP: config.OTPConfig{
			CodeLength:  6,
			TTL:         5 * time.Minute,
			MaxAttempts: 3,
			DevEcho:     true,
		},
		RateLimit: config.RateLimitConfig{
			PhoneLimit:  3,
			PhoneWindow: 10 * time.Minute,
			IPLimit:     10,
			IPWindow:    10 * time.Minute,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret",
			TokenTTL:  24 * time.Hour,
		},
	}
}

func newTestService(cfg *config.Config, sender Sender) *OTPService {
	return NewOTPService(
		cfg,
		NewMemoryChallengeStore(),
		ratelimit.NewMemoryLimiter(ratelimit.PoliciesFromConfig(cfg)),
		hashing.NewHasher(),
		NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		NewAllowlist([]string{"+15550001111"}, []string{"+15550002222"}),
		sender,
		audit.NopRecorder{},
		zap.NewNop(),
	)
}

func TestRequestOTPIssuesSixDigitCode(t *testing.T) {
	sender := &fakeSender{}
	svc := newTestService(testConfig(), sender)

	result, err := svc.RequestOTP(context.Background(), "+1 (555) 000-1111", "10.0.0.1")
	if err != nil {
		t.Fatalf("RequestOTP returned error: %v", err)
	}
	if result.Phone != "+15550001111" {
		t.Fatalf("phone should be normalized, got %q", result.Phone)
	}
	if len(result.DevCode) != 6 {
		t.Fatalf("dev echo should carry a 6-digit code, got %q", result.DevCode)
	}
	for _, r := range result.DevCode {
		if r < '0' || r > '9' {
			t.Fatalf("code should be numeric, got %q", result.DevCode)
		}
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0], result.DevCode) {
		t.Fatalf("code should be dispatched as a text, sent=%v", sender.sent)
	}
}

func TestRequestOTPRejectsUnknownPhone(t *testing.T) {
	svc := newTestService(testConfig(), &fakeSender{})

	if _, err := svc.RequestOTP(context.Background(), "+15559998888", "10.0.0.1"); !errors.Is(err, ErrPhoneNotAllowed) {
		t.Fatalf("expected ErrPhoneNotAllowed, got %v", err)
	}
}

func TestRequestOTPRateLimited(t *testing.T) {
	svc := newTestService(testConfig(), &fakeSender{})

	for i := 0; i < 3; i++ {
		if _, err := svc.RequestOTP(context.Background(), "+15550001111", "10.0.0.1"); err != nil {
			t.Fatalf("request %d returned error: %v", i+1, err)
		}
	}

	_, err := svc.RequestOTP(context.Background(), "+15550001111", "10.0.0.1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) || rle.RetryAfter <= 0 {
		t.Fatalf("denial should carry a positive RetryAfter, got %v", err)
	}
}

func TestVerifyOTPHappyPath(t *testing.T) {
	svc := newTestService(testConfig(), &fakeSender{})

	result, err := svc.RequestOTP(context.Background(), "+15550001111", "10.0.0.1")
	if err != nil {
		t.Fatalf("RequestOTP returned error: %v", err)
	}

	verified, err := svc.VerifyOTP(context.Background(), "+15550001111", result.DevCode, "10.0.0.1")
	if err != nil {
		t.Fatalf("VerifyOTP returned error: %v", err)
	}
	if verified.Identity.Phone != "+15550001111" || verified.Identity.Role != model.RoleUser {
		t.Fatalf("unexpected identity %+v", verified.Identity)
	}

	issuer := NewTokenIssuer("test-secret", 24*time.Hour)
	identity, err := issuer.Verify(verified.Token)
	if err != nil {
		t.Fatalf("token should round-trip: %v", err)
	}
	if identity.Phone != "+15550001111" {
		t.Fatalf("token carries wrong phone %q", identity.Phone)
	}

	// The challenge is consumed; the same code no longer works.
	if _, err := svc.VerifyOTP(context.Background(), "+15550001111", result.DevCode, "10.0.0.1"); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired after consumption, got %v", err)
	}
}

func TestVerifyOTPAdminRole(t *testing.T) {
	svc := newTestService(testConfig(), &fakeSender{})

	result, err := svc.RequestOTP(context.Background(), "+15550002222", "10.0.0.1")
	if err != nil {
		t.Fatalf("RequestOTP returned error: %v", err)
	}
	verified, err := svc.VerifyOTP(context.Background(), "+15550002222", result.DevCode, "10.0.0.1")
	if err != nil {
		t.Fatalf("VerifyOTP returned error: %v", err)
	}
	if verified.Identity.Role != model.RoleAdmin {
		t.Fatalf("expected admin role, got %q", verified.Identity.Role)
	}
}

func TestVerifyOTPExhaustsAttempts(t *testing.T) {
	svc := newTestService(testConfig(), &fakeSender{})

	result, err := svc.RequestOTP(context.Background(), "+15550001111", "10.0.0.1")
	if err != nil {
		t.Fatalf("RequestOTP returned error: %v", err)
	}

	wrong := "000000"
	if wrong == result.DevCode {
		wrong = "000001"
	}

	for i := 0; i < 3; i++ {
		_, err := svc.VerifyOTP(context.Background(), "+15550001111", wrong, "10.0.0.1")
		if !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("guess %d: expected ErrInvalidCode, got %v", i+1, err)
		}
		var ice *InvalidCodeError
		if !errors.As(err, &ice) {
			t.Fatalf("guess %d: error should carry attempts remaining", i+1)
		}
		if want := 3 - (i + 1); ice.AttemptsRemaining != want {
			t.Fatalf("guess %d: got %d attempts remaining, want %d", i+1, ice.AttemptsRemaining, want)
		}
	}

	// Budget is gone: even the correct code is refused.
	if _, err := svc.VerifyOTP(context.Background(), "+15550001111", result.DevCode, "10.0.0.1"); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired after exhaustion, got %v", err)
	}
}

func TestVerifyOTPNoChallenge(t *testing.T) {
	svc := newTestService(testConfig(), &fakeSender{})

	if _, err := svc.VerifyOTP(context.Background(), "+15550001111", "123456", "10.0.0.1"); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
}

func TestVerifyOTPExpiredChallenge(t *testing.T) {
	svc := newTestService(testConfig(), &fakeSender{})

	result, err := svc.RequestOTP(context.Background(), "+15550001111", "10.0.0.1")
	if err != nil {
		t.Fatalf("RequestOTP returned error: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	if _, err := svc.VerifyOTP(context.Background(), "+15550001111", result.DevCode, "10.0.0.1"); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired for stale challenge, got %v", err)
	}
}

func TestRequestOTPDispatchFailureWithoutEcho(t *testing.T) {
	cfg := testConfig()
	cfg.OTP.DevEcho = false
	svc := newTestService(cfg, &fakeSender{fail: true})

	if _, err := svc.RequestOTP(context.Background(), "+15550001111", "10.0.0.1"); !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
}

func TestTokenIssuerRejectsTampering(t *testing.T) {
	issuer := NewTokenIssuer("secret-a", time.Hour)
	token, _, err := issuer.Issue(model.Identity{Phone: "+15550001111", Role: model.RoleUser})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	other := NewTokenIssuer("secret-b", time.Hour)
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong key should fail verification, got %v", err)
	}
	if _, err := issuer.Verify(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered token should fail, got %v", err)
	}

	expired := NewTokenIssuer("secret-a", -time.Minute)
	token, _, err = expired.Issue(model.Identity{Phone: "+15550001111", Role: model.RoleUser})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if _, err := NewTokenIssuer("secret-a", time.Hour).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token should fail, got %v", err)
	}
}

func TestAllowlistNormalization(t *testing.T) {
	l := NewAllowlist([]string{" +1 (555) 000-1111 ", "garbage"}, nil)

	if !l.Contains("+15550001111") {
		t.Fatal("formatted entry should normalize into the allowlist")
	}
	if l.Contains("+15559998888") {
		t.Fatal("unknown phone should not be allowed")
	}
	if l.RoleFor("+15550001111") != model.RoleUser {
		t.Fatal("non-admin phone should get the user role")
	}
}
