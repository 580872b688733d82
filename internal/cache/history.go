package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"whatsapp-gateway/internal/model"
	"whatsapp-gateway/internal/util"
)

// ErrAnchorUnavailable is returned by a HistorySource when the anchor
// message is no longer resolvable upstream and the request should be
// retried without one.
var ErrAnchorUnavailable = errors.New("history anchor unavailable")

// HistorySource fetches older messages from upstream. anchorID is the id
// of the oldest message already held; empty means fetch the most recent
// page.
type HistorySource interface {
	FetchHistory(ctx context.Context, conversationID, anchorID string, count int) ([]model.Message, error)
}

// HistoryFetcher backfills a conversation when the cache cannot satisfy a
// read. Concurrent backfills for the same conversation are collapsed into
// a single upstream request; every caller gets that request's outcome.
type HistoryFetcher struct {
	cache  *MessageCache
	source HistorySource
	group  singleflight.Group
	logger *zap.Logger
}

func NewHistoryFetcher(cache *MessageCache, source HistorySource, logger *zap.Logger) *HistoryFetcher {
	return &HistoryFetcher{
		cache:  cache,
		source: source,
		logger: logger,
	}
}

// backfillTimeout bounds one upstream fetch. The fetch runs on its own
// context so it is never tied to the lifetime of whichever caller
// happened to start it.
const backfillTimeout = 30 * time.Second

// Backfill fetches up to count older messages for the conversation and
// merges them into the cache. It reports how many messages were newly
// cached and whether the upstream fetch completed. A failed or partial
// fetch is not an error: callers serve whatever the cache holds.
//
// A caller whose ctx ends while the fetch is in flight gets (0, false)
// immediately; the fetch keeps running and its result lands in the cache
// for the next reader.
func (f *HistoryFetcher) Backfill(ctx context.Context, conversationID string, count int) (added int, complete bool) {
	type outcome struct {
		added    int
		complete bool
	}

	ch := f.group.DoChan(conversationID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
		defer cancel()
		added, complete := f.fetchAndMerge(fetchCtx, conversationID, count)
		return outcome{added: added, complete: complete}, nil
	})

	select {
	case res := <-ch:
		result := res.Val.(outcome)
		return result.added, result.complete
	case <-ctx.Done():
		return 0, false
	}
}

func (f *HistoryFetcher) fetchAndMerge(ctx context.Context, conversationID string, count int) (int, bool) {
	anchorID, _ := f.cache.OldestID(conversationID)

	messages, err := f.source.FetchHistory(ctx, conversationID, anchorID, count)
	if errors.Is(err, ErrAnchorUnavailable) && anchorID != "" {
		f.logger.Debug("History anchor expired upstream, retrying unanchored",
			util.String("conversation_id", conversationID),
			util.String("anchor_id", anchorID),
		)
		messages, err = f.source.FetchHistory(ctx, conversationID, "", count)
	}
	if err != nil {
		f.logger.Warn("History fetch failed, serving cached messages only",
			util.String("conversation_id", conversationID),
			util.ErrorField(err),
		)
		return f.merge(conversationID, messages), false
	}

	return f.merge(conversationID, messages), true
}

func (f *HistoryFetcher) merge(conversationID string, messages []model.Message) int {
	added := 0
	for _, msg := range messages {
		if f.cache.Remember(conversationID, msg) {
			added++
		}
	}
	return added
}
