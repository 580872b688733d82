package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"whatsapp-gateway/internal/audit"
	"whatsapp-gateway/internal/cache"
	"whatsapp-gateway/internal/model"
	"whatsapp-gateway/internal/util"
	"whatsapp-gateway/internal/whatsapp"
)

const groupListTTL = time.Minute

// MessagesResult is what a conversation read returns. Partial marks a
// response that may be missing older messages because the history fetch
// failed or timed out; the cached portion is still served.
type MessagesResult struct {
	ConversationID string          `json:"conversation_id"`
	Name           string          `json:"name,omitempty"`
	Messages       []model.Message `json:"messages"`
	Partial        bool            `json:"partial,omitempty"`
}

// Diagnostics is the operator-facing snapshot behind the admin surface.
type Diagnostics struct {
	State           string    `json:"state"`
	Phone           string    `json:"phone,omitempty"`
	PairingRequired bool      `json:"pairing_required"`
	GroupsCached    int       `json:"groups_cached"`
	StartedAt       time.Time `json:"started_at"`
}

// Gateway is the single entry point for message access: it composes the
// session, the message cache, and the history fallback so callers never
// touch the protocol layer directly. Read paths degrade to cached data
// instead of erroring when the connection is down.
type Gateway struct {
	session  *whatsapp.Session
	cache    *cache.MessageCache
	fetcher  *cache.HistoryFetcher
	recorder audit.Recorder
	logger   *zap.Logger

	startedAt time.Time

	groupsMu      sync.Mutex
	groups        []model.Group
	groupsFetched time.Time

	backfillMu sync.Mutex
	backfilled map[string]struct{}
}

func NewGateway(
	session *whatsapp.Session,
	messageCache *cache.MessageCache,
	fetcher *cache.HistoryFetcher,
	recorder audit.Recorder,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		session:    session,
		cache:      messageCache,
		fetcher:    fetcher,
		recorder:   recorder,
		logger:     logger,
		startedAt:  time.Now(),
		backfilled: make(map[string]struct{}),
	}
}

// Status reports the connection state snapshot.
func (g *Gateway) Status() whatsapp.Status {
	return g.session.Status()
}

// ListGroups returns the joined groups, served from a short-lived cache so
// bursts of reads do not hammer the protocol layer. While disconnected the
// result is an empty slice, never an error.
func (g *Gateway) ListGroups(ctx context.Context) []model.Group {
	g.groupsMu.Lock()
	defer g.groupsMu.Unlock()

	if g.groups != nil && time.Since(g.groupsFetched) < groupListTTL {
		return append([]model.Group(nil), g.groups...)
	}

	groups, err := g.session.ListGroups(ctx)
	if err != nil {
		if err != whatsapp.ErrNotConnected {
			g.logger.Warn("Failed to list groups", util.ErrorField(err))
		}
		if g.groups != nil {
			return append([]model.Group(nil), g.groups...)
		}
		return []model.Group{}
	}

	g.groups = groups
	g.groupsFetched = time.Now()
	return append([]model.Group(nil), groups...)
}

// GetMessages serves the most recent messages for a conversation, cache
// first. The history fallback fires only for a conversation the cache
// holds nothing for, and a completed fetch is remembered so re-reads are
// served from the cache without going upstream again. A failed fetch
// degrades to the cached (empty) content with Partial set and is retried
// on a later read.
func (g *Gateway) GetMessages(ctx context.Context, conversationID string, limit int) MessagesResult {
	if limit <= 0 {
		limit = 50
	}

	messages := g.cache.Get(conversationID, limit)
	partial := false
	if len(messages) == 0 && !g.wasBackfilled(conversationID) {
		_, complete := g.fetcher.Backfill(ctx, conversationID, limit)
		partial = !complete
		if complete {
			g.markBackfilled(conversationID)
		}
		messages = g.cache.Get(conversationID, limit)
	}

	return MessagesResult{
		ConversationID: conversationID,
		Name:           g.cache.Name(conversationID),
		Messages:       messages,
		Partial:        partial,
	}
}

func (g *Gateway) wasBackfilled(conversationID string) bool {
	g.backfillMu.Lock()
	defer g.backfillMu.Unlock()
	_, ok := g.backfilled[conversationID]
	return ok
}

func (g *Gateway) markBackfilled(conversationID string) {
	g.backfillMu.Lock()
	defer g.backfillMu.Unlock()
	g.backfilled[conversationID] = struct{}{}
}

// SendText sends a message. The recipient may be a full conversation id or
// a bare phone number.
func (g *Gateway) SendText(ctx context.Context, to, body string) (string, error) {
	return g.session.SendText(ctx, conversationID(to), body)
}

// RequestPairingCode links a new device by phone number.
func (g *Gateway) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	normalized, err := util.NormalizePhone(phone)
	if err != nil {
		return "", err
	}
	return g.session.RequestPairingCode(ctx, normalized)
}

// ResetSession wipes the stored credentials so a fresh device can be
// paired.
func (g *Gateway) ResetSession(ctx context.Context) error {
	if err := g.session.Reset(ctx); err != nil {
		return err
	}
	g.recorder.Record(ctx, audit.EventSessionReset, "", "", "")
	return nil
}

// Diagnose returns the operator snapshot.
func (g *Gateway) Diagnose() Diagnostics {
	status := g.session.Status()

	g.groupsMu.Lock()
	groupCount := len(g.groups)
	g.groupsMu.Unlock()

	return Diagnostics{
		State:           status.State.String(),
		Phone:           status.Phone,
		PairingRequired: status.PairingRequired,
		GroupsCached:    groupCount,
		StartedAt:       g.startedAt,
	}
}

// conversationID maps a bare phone number onto the direct-chat address;
// anything already carrying a server suffix passes through.
func conversationID(to string) string {
	if strings.Contains(to, "@") {
		return to
	}
	return util.PhoneDigits(to) + "@s.whatsapp.net"
}
