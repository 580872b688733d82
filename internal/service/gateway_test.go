package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"whatsapp-gateway/internal/audit"
	"whatsapp-gateway/internal/cache"
	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/model"
	"whatsapp-gateway/internal/whatsapp"
)

type stubTransport struct {
	mu           sync.Mutex
	events       chan whatsapp.Event
	history      []model.Message
	historyErr   error
	fetchCalls   int32
	groupCalls   int32
	groups       []model.Group
	loggedIn     bool
	deleteCalled bool
}

func newStubTransport() *stubTransport {
	return &stubTransport{events: make(chan whatsapp.Event, 16)}
}

func (s *stubTransport) Connect(context.Context) error { return nil }

func (s *stubTransport) Disconnect() {}

func (s *stubTransport) Logout(context.Context) error { return nil }

func (s *stubTransport) IsLoggedIn() bool { return s.loggedIn }

func (s *stubTransport) Phone() string { return "+15550009999" }

func (s *stubTransport) Events() <-chan whatsapp.Event { return s.events }

func (s *stubTransport) DeleteSession(context.Context) error {
	s.deleteCalled = true
	return nil
}

func (s *stubTransport) PairPhone(ctx context.Context, phone string) (string, error) {
	return "WXYZ-9876", nil
}

func (s *stubTransport) SendText(ctx context.Context, conversationID, body string) (string, error) {
	return "out-1", nil
}

func (s *stubTransport) FetchHistory(ctx context.Context, conversationID, anchorID string, count int) ([]model.Message, error) {
	atomic.AddInt32(&s.fetchCalls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return s.history, nil
}

func (s *stubTransport) ListGroups(ctx context.Context) ([]model.Group, error) {
	atomic.AddInt32(&s.groupCalls, 1)
	return s.groups, nil
}

func newTestGateway(t *testing.T, transport *stubTransport, connect bool) (*Gateway, *cache.MessageCache) {
	t.Helper()

	c := cache.NewMessageCache(0, zap.NewNop())
	cfg := config.WhatsAppConfig{
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    4 * time.Millisecond,
	}
	session := whatsapp.NewSession(transport, c, cfg, zap.NewNop())
	fetcher := cache.NewHistoryFetcher(c, transport, zap.NewNop())
	g := NewGateway(session, c, fetcher, audit.NopRecorder{}, zap.NewNop())

	if connect {
		if err := session.Start(context.Background()); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		transport.events <- whatsapp.Event{Kind: whatsapp.EventConnected}
		deadline := time.Now().Add(time.Second)
		for session.Status().State != model.StateConnected {
			if time.Now().After(deadline) {
				t.Fatal("session did not connect")
			}
			time.Sleep(2 * time.Millisecond)
		}
		t.Cleanup(session.Stop)
	}
	return g, c
}

func cachedMessage(id string) model.Message {
	return model.Message{ID: id, Sender: "+15550001111", Content: "cached " + id, Timestamp: time.Now()}
}

func TestGetMessagesCacheHitSkipsFetch(t *testing.T) {
	transport := newStubTransport()
	g, c := newTestGateway(t, transport, false)

	for i := 0; i < 5; i++ {
		c.Remember("conv@g.us", cachedMessage(fmt.Sprintf("m%d", i)))
	}

	result := g.GetMessages(context.Background(), "conv@g.us", 3)
	if len(result.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result.Messages))
	}
	if result.Partial {
		t.Fatal("cache hit should not be partial")
	}
	if got := atomic.LoadInt32(&transport.fetchCalls); got != 0 {
		t.Fatalf("cache hit must not fetch history, got %d calls", got)
	}
}

func TestGetMessagesCacheMissFetchesOnce(t *testing.T) {
	transport := newStubTransport()
	transport.history = []model.Message{cachedMessage("h1"), cachedMessage("h2")}
	g, _ := newTestGateway(t, transport, false)

	result := g.GetMessages(context.Background(), "conv@g.us", 10)
	if got := atomic.LoadInt32(&transport.fetchCalls); got != 1 {
		t.Fatalf("expected exactly one history fetch, got %d", got)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("fetched messages should be served, got %d", len(result.Messages))
	}
	if result.Partial {
		t.Fatal("completed fetch should not be partial")
	}
}

func TestGetMessagesPartialCacheSkipsFetch(t *testing.T) {
	transport := newStubTransport()
	g, c := newTestGateway(t, transport, false)

	c.Remember("conv@g.us", cachedMessage("m1"))

	result := g.GetMessages(context.Background(), "conv@g.us", 50)
	if got := atomic.LoadInt32(&transport.fetchCalls); got != 0 {
		t.Fatalf("a conversation with cached messages must not fetch, got %d calls", got)
	}
	if len(result.Messages) != 1 || result.Messages[0].ID != "m1" {
		t.Fatalf("cached message should be served, got %v", result.Messages)
	}
	if result.Partial {
		t.Fatal("cached read should not be partial")
	}
}

func TestGetMessagesRereadsDoNotRefetch(t *testing.T) {
	transport := newStubTransport()
	transport.history = []model.Message{cachedMessage("h1"), cachedMessage("h2")}
	g, _ := newTestGateway(t, transport, false)

	// Upstream holds fewer messages than the limit; the short result must
	// not be re-requested on every read.
	for i := 0; i < 3; i++ {
		result := g.GetMessages(context.Background(), "conv@g.us", 50)
		if len(result.Messages) != 2 {
			t.Fatalf("read %d: expected 2 messages, got %d", i+1, len(result.Messages))
		}
	}
	if got := atomic.LoadInt32(&transport.fetchCalls); got != 1 {
		t.Fatalf("same-limit re-reads must be served from cache, got %d fetches", got)
	}

	g.GetMessages(context.Background(), "conv@g.us", 1)
	if got := atomic.LoadInt32(&transport.fetchCalls); got != 1 {
		t.Fatalf("smaller-limit re-read must not refetch, got %d fetches", got)
	}
}

func TestGetMessagesFetchFailureIsPartial(t *testing.T) {
	transport := newStubTransport()
	transport.historyErr = errors.New("stream gone")
	g, _ := newTestGateway(t, transport, false)

	result := g.GetMessages(context.Background(), "conv@g.us", 10)
	if !result.Partial {
		t.Fatal("failed fetch should mark the result partial")
	}
	if result.Messages == nil || len(result.Messages) != 0 {
		t.Fatalf("nothing cached, expected an empty slice, got %v", result.Messages)
	}

	// The failure is not sticky: once upstream recovers the next read
	// fetches again.
	transport.mu.Lock()
	transport.historyErr = nil
	transport.history = []model.Message{cachedMessage("h1")}
	transport.mu.Unlock()

	result = g.GetMessages(context.Background(), "conv@g.us", 10)
	if result.Partial {
		t.Fatal("recovered fetch should not be partial")
	}
	if len(result.Messages) != 1 {
		t.Fatalf("expected the recovered message, got %d", len(result.Messages))
	}
	if got := atomic.LoadInt32(&transport.fetchCalls); got != 2 {
		t.Fatalf("expected a retry after failure, got %d fetches", got)
	}
}

func TestGetMessagesUnknownConversation(t *testing.T) {
	transport := newStubTransport()
	g, _ := newTestGateway(t, transport, false)

	result := g.GetMessages(context.Background(), "nobody@g.us", 10)
	if result.Messages == nil || len(result.Messages) != 0 {
		t.Fatalf("unknown conversation should yield an empty slice, got %v", result.Messages)
	}
}

func TestListGroupsEmptyWhenDisconnected(t *testing.T) {
	transport := newStubTransport()
	g, _ := newTestGateway(t, transport, false)

	groups := g.ListGroups(context.Background())
	if groups == nil || len(groups) != 0 {
		t.Fatalf("disconnected gateway should return an empty slice, got %v", groups)
	}
	if got := atomic.LoadInt32(&transport.groupCalls); got != 0 {
		t.Fatalf("disconnected session should not hit the transport, got %d calls", got)
	}
}

func TestListGroupsCachedWithinTTL(t *testing.T) {
	transport := newStubTransport()
	transport.groups = []model.Group{{ID: "g1@g.us", Name: "One", ParticipantCount: 3}}
	g, _ := newTestGateway(t, transport, true)

	first := g.ListGroups(context.Background())
	second := g.ListGroups(context.Background())
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one group, got %d then %d", len(first), len(second))
	}
	if got := atomic.LoadInt32(&transport.groupCalls); got != 1 {
		t.Fatalf("second read within the TTL should be served from cache, got %d calls", got)
	}
}

func TestSendTextAddressesBarePhone(t *testing.T) {
	transport := newStubTransport()
	g, _ := newTestGateway(t, transport, true)

	id, err := g.SendText(context.Background(), "+1 (555) 000-1111", "hello")
	if err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	if id != "out-1" {
		t.Fatalf("got message id %q", id)
	}
}

func TestResetSessionDeletesCredentials(t *testing.T) {
	transport := newStubTransport()
	transport.loggedIn = true
	g, _ := newTestGateway(t, transport, false)

	if err := g.ResetSession(context.Background()); err != nil {
		t.Fatalf("ResetSession returned error: %v", err)
	}
	if !transport.deleteCalled {
		t.Fatal("reset should delete the stored session")
	}
	if st := g.Status(); !st.PairingRequired {
		t.Fatal("reset session should require pairing")
	}
}
