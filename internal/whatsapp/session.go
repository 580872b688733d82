package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"whatsapp-gateway/internal/cache"
	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/model"
	"whatsapp-gateway/internal/util"
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("whatsapp session not connected")
	// ErrAlreadyPaired is returned when a pairing code is requested while
	// the session is connected or still working with its stored
	// credentials.
	ErrAlreadyPaired = errors.New("session already paired and connected")
	// ErrPairingRequired marks a session whose stored credentials are gone
	// or whose reconnect budget ran out; manual re-pairing is needed.
	ErrPairingRequired = errors.New("pairing required")
)

// Status is a point-in-time snapshot of the session.
type Status struct {
	State           model.ConnectionState
	Phone           string
	PairingRequired bool
}

// Session owns the single WhatsApp connection: it drives the transport's
// lifecycle, consumes its event stream into the message cache, and
// reconnects with bounded exponential backoff when the link drops.
//
// All state transitions happen on the session's own goroutine (the event
// loop) or under s.mu; callers only observe snapshots via Status.
type Session struct {
	transport Transport
	cache     *cache.MessageCache
	cfg       config.WhatsAppConfig
	logger    *zap.Logger

	mu              sync.Mutex
	state           model.ConnectionState
	pairingRequired bool
	started         bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewSession(transport Transport, messageCache *cache.MessageCache, cfg config.WhatsAppConfig, logger *zap.Logger) *Session {
	return &Session{
		transport: transport,
		cache:     messageCache,
		cfg:       cfg,
		logger:    logger,
		state:     model.StateDisconnected,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start brings the session up. Calling Start on a running session is a
// no-op. A connect failure leaves the session Disconnected; Start may be
// called again to retry without spawning a second event loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started && s.state != model.StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	first := !s.started
	s.started = true
	if s.transport.IsLoggedIn() {
		s.state = model.StateAuthenticating
	} else {
		s.state = model.StatePairing
	}
	s.mu.Unlock()

	if first {
		go s.run()
	}

	if err := s.transport.Connect(ctx); err != nil {
		s.mu.Lock()
		s.state = model.StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Stop disconnects and shuts down the event loop. Safe to call more than
// once; the session cannot be restarted after Stop.
func (s *Session) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	s.stopOnce.Do(func() {
		close(s.stop)
		s.transport.Disconnect()
		<-s.done
	})

	s.mu.Lock()
	s.state = model.StateDisconnected
	s.mu.Unlock()
}

// Status reports the current connection state, the paired phone number if
// known, and whether manual re-pairing is required.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:           s.state,
		Phone:           s.transport.Phone(),
		PairingRequired: s.pairingRequired,
	}
}

// RequestPairingCode asks the transport for a link code for the given
// phone. Only a Disconnected or Pairing session may request one:
// pairing over a live or in-flight connection would orphan the
// credentials it is using.
func (s *Session) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	s.mu.Lock()
	if s.state != model.StateDisconnected && s.state != model.StatePairing {
		s.mu.Unlock()
		return "", ErrAlreadyPaired
	}
	s.state = model.StatePairing
	s.mu.Unlock()

	code, err := s.transport.PairPhone(ctx, phone)
	if err != nil {
		return "", fmt.Errorf("failed to request pairing code: %w", err)
	}
	return code, nil
}

// Reset logs out, deletes the stored credential bundle, and leaves the
// session Disconnected with pairing required. The next Start begins a
// fresh pairing.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.transport.Logout(ctx); err != nil {
		s.logger.Warn("Logout during reset failed, deleting credentials anyway", util.ErrorField(err))
	}
	if err := s.transport.DeleteSession(ctx); err != nil {
		return fmt.Errorf("failed to delete stored session: %w", err)
	}

	s.mu.Lock()
	s.state = model.StateDisconnected
	s.pairingRequired = true
	s.mu.Unlock()

	util.Info("Session reset, re-pairing required")
	return nil
}

// SendText sends a text message through the live connection.
func (s *Session) SendText(ctx context.Context, conversationID, body string) (string, error) {
	s.mu.Lock()
	connected := s.state == model.StateConnected
	s.mu.Unlock()
	if !connected {
		return "", ErrNotConnected
	}
	return s.transport.SendText(ctx, conversationID, body)
}

// ListGroups returns the joined groups, or ErrNotConnected when offline.
func (s *Session) ListGroups(ctx context.Context) ([]model.Group, error) {
	s.mu.Lock()
	connected := s.state == model.StateConnected
	s.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}
	return s.transport.ListGroups(ctx)
}

// FetchHistory satisfies cache.HistorySource by delegating to the
// transport. Offline fetches fail fast; the fetcher degrades to cached
// content.
func (s *Session) FetchHistory(ctx context.Context, conversationID, anchorID string, count int) ([]model.Message, error) {
	s.mu.Lock()
	connected := s.state == model.StateConnected
	s.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}
	return s.transport.FetchHistory(ctx, conversationID, anchorID, count)
}

// run is the sole consumer of the transport's event stream.
func (s *Session) run() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.transport.Events():
			if !ok {
				return
			}
			if !s.handle(ev) {
				return
			}
		}
	}
}

// handle processes one event; returns false when the loop should exit.
func (s *Session) handle(ev Event) bool {
	switch ev.Kind {
	case EventConnected:
		s.mu.Lock()
		s.state = model.StateConnected
		s.pairingRequired = false
		s.mu.Unlock()
		s.logger.Info("WhatsApp connection established",
			util.String("phone", s.transport.Phone()),
		)

	case EventLoggedOut:
		s.mu.Lock()
		s.state = model.StateDisconnected
		s.pairingRequired = true
		s.mu.Unlock()
		s.logger.Warn("Device logged out by the account, re-pairing required")

	case EventDisconnected:
		return s.reconnect()

	case EventMessage:
		s.cache.Remember(ev.ConversationID, ev.Message)

	case EventMessageRevoked:
		s.cache.MarkDeleted(ev.ConversationID, ev.MessageID)

	case EventConversationName:
		s.cache.SetName(ev.ConversationID, ev.Name)
	}
	return true
}

// reconnect retries the connection with exponential backoff. Each
// successful Connect ends the loop; the attempt counter starts over the
// next time the link drops. Exhausting the budget parks the session in
// Disconnected with pairing required.
func (s *Session) reconnect() bool {
	s.mu.Lock()
	s.state = model.StateReconnecting
	s.mu.Unlock()

	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		delay := backoffDelay(s.cfg.ReconnectBaseDelay, s.cfg.ReconnectMaxDelay, attempt)
		s.logger.Info("Reconnecting to WhatsApp",
			util.Int("attempt", attempt),
			util.Int("max_attempts", s.cfg.MaxReconnectAttempts),
			util.Duration("delay", delay),
		)

		select {
		case <-s.stop:
			return false
		case <-time.After(delay):
		}

		if err := s.transport.Connect(context.Background()); err != nil {
			s.logger.Warn("Reconnect attempt failed",
				util.Int("attempt", attempt),
				util.ErrorField(err),
			)
			continue
		}
		return true
	}

	s.mu.Lock()
	s.state = model.StateDisconnected
	s.pairingRequired = true
	s.mu.Unlock()
	s.logger.Error("Reconnect attempts exhausted, manual restart required",
		util.Int("attempts", s.cfg.MaxReconnectAttempts),
	)
	return true
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
