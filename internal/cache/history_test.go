package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"whatsapp-gateway/internal/model"
)

type fakeHistorySource struct {
	calls     int32
	byAnchor  map[string][]model.Message
	err       error
	anchorErr error
	block     chan struct{}
}

func (f *fakeHistorySource) FetchHistory(ctx context.Context, conversationID, anchorID string, count int) ([]model.Message, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	if anchorID != "" && f.anchorErr != nil {
		return nil, f.anchorErr
	}
	return f.byAnchor[anchorID], nil
}

func historyMessage(id string) model.Message {
	return model.Message{ID: id, Sender: "+15550002222", Content: "old " + id, Timestamp: time.Now().UTC()}
}

func TestBackfillMergesIntoCache(t *testing.T) {
	c := NewMessageCache(0, zap.NewNop())
	c.Remember("conv@g.us", testMessage("m5", "live"))

	source := &fakeHistorySource{byAnchor: map[string][]model.Message{
		"m5": {historyMessage("m1"), historyMessage("m2")},
	}}
	f := NewHistoryFetcher(c, source, zap.NewNop())

	added, complete := f.Backfill(context.Background(), "conv@g.us", 10)
	if added != 2 || !complete {
		t.Fatalf("got added=%d complete=%v, want 2 true", added, complete)
	}
	if n := c.Len("conv@g.us"); n != 3 {
		t.Fatalf("expected 3 cached, got %d", n)
	}
}

func TestBackfillRetriesWithoutAnchor(t *testing.T) {
	c := NewMessageCache(0, zap.NewNop())
	c.Remember("conv@g.us", testMessage("gone", "live"))

	source := &fakeHistorySource{
		byAnchor:  map[string][]model.Message{"": {historyMessage("m1")}},
		anchorErr: ErrAnchorUnavailable,
	}
	f := NewHistoryFetcher(c, source, zap.NewNop())

	added, complete := f.Backfill(context.Background(), "conv@g.us", 10)
	if !complete {
		t.Fatal("unanchored retry should complete")
	}
	if added != 1 {
		t.Fatalf("got added=%d, want 1", added)
	}
	if got := atomic.LoadInt32(&source.calls); got != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", got)
	}
}

func TestBackfillUpstreamFailureIsNotAnError(t *testing.T) {
	c := NewMessageCache(0, zap.NewNop())
	c.Remember("conv@g.us", testMessage("m9", "live"))

	source := &fakeHistorySource{err: errors.New("socket closed")}
	f := NewHistoryFetcher(c, source, zap.NewNop())

	added, complete := f.Backfill(context.Background(), "conv@g.us", 10)
	if added != 0 || complete {
		t.Fatalf("got added=%d complete=%v, want 0 false", added, complete)
	}
	// Cached content is still served.
	if n := c.Len("conv@g.us"); n != 1 {
		t.Fatalf("cache should be untouched, got %d", n)
	}
}

func TestBackfillCollapsesConcurrentCalls(t *testing.T) {
	c := NewMessageCache(0, zap.NewNop())
	source := &fakeHistorySource{
		byAnchor: map[string][]model.Message{"": {historyMessage("m1")}},
		block:    make(chan struct{}),
	}
	f := NewHistoryFetcher(c, source, zap.NewNop())

	const callers = 10
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, complete := f.Backfill(context.Background(), "conv@g.us", 10)
			results[i] = complete
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(source.block)
	wg.Wait()

	if got := atomic.LoadInt32(&source.calls); got != 1 {
		t.Fatalf("expected a single collapsed upstream call, got %d", got)
	}
	for i, complete := range results {
		if !complete {
			t.Errorf("caller %d should share the completed fetch", i)
		}
	}
}

func TestBackfillOutlivesAbandonedCaller(t *testing.T) {
	c := NewMessageCache(0, zap.NewNop())
	source := &fakeHistorySource{
		byAnchor: map[string][]model.Message{"": {historyMessage("m1"), historyMessage("m2")}},
		block:    make(chan struct{}),
	}
	f := NewHistoryFetcher(c, source, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var added int
	var complete bool
	go func() {
		added, complete = f.Backfill(ctx, "conv@g.us", 10)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("abandoned caller should return once its context ends")
	}
	if added != 0 || complete {
		t.Fatalf("abandoned caller got added=%d complete=%v, want 0 false", added, complete)
	}

	// The fetch keeps running and its result lands for the next reader.
	close(source.block)
	deadline := time.Now().Add(time.Second)
	for c.Len("conv@g.us") != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected the detached fetch to merge, cache has %d", c.Len("conv@g.us"))
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&source.calls); got != 1 {
		t.Fatalf("expected a single upstream call, got %d", got)
	}
}

func TestBackfillDistinctConversationsFetchIndependently(t *testing.T) {
	c := NewMessageCache(0, zap.NewNop())
	source := &fakeHistorySource{byAnchor: map[string][]model.Message{"": nil}}
	f := NewHistoryFetcher(c, source, zap.NewNop())

	for i := 0; i < 3; i++ {
		f.Backfill(context.Background(), fmt.Sprintf("conv-%d@g.us", i), 5)
	}
	if got := atomic.LoadInt32(&source.calls); got != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", got)
	}
}
