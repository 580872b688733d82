package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"

	"whatsapp-gateway/internal/cache"
	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/model"
	"whatsapp-gateway/internal/util"
)

const eventBufferSize = 256

// wameowTransport is the whatsmeow-backed Transport. Credentials live in a
// sqlite database under cfg.SessionPath; message history is never persisted
// here.
type wameowTransport struct {
	cfg    config.WhatsAppConfig
	logger *zap.Logger

	container *sqlstore.Container
	client    *whatsmeow.Client
	events    chan Event
	sendLimit *rate.Limiter

	mu      sync.Mutex
	anchors map[string]*types.MessageInfo
	pending map[string]chan []model.Message
}

// NewWameowTransport opens (or creates) the credential store and builds the
// protocol client. It does not connect.
func NewWameowTransport(ctx context.Context, cfg config.WhatsAppConfig, logger *zap.Logger) (Transport, error) {
	if err := os.MkdirAll(cfg.SessionPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	dbLog := waLog.Stdout("Database", "WARN", false)
	dsn := "file:" + filepath.Join(cfg.SessionPath, "whatsapp.db") + "?_foreign_keys=on"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		device = container.NewDevice()
	} else if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	t := &wameowTransport{
		cfg:       cfg,
		logger:    logger,
		container: container,
		client:    whatsmeow.NewClient(device, waLog.Stdout("Client", "WARN", false)),
		events:    make(chan Event, eventBufferSize),
		sendLimit: rate.NewLimiter(rate.Limit(cfg.SendRatePerSecond), cfg.SendBurst),
		anchors:   make(map[string]*types.MessageInfo),
		pending:   make(map[string]chan []model.Message),
	}
	t.client.AddEventHandler(t.handleEvent)
	return t, nil
}

func (t *wameowTransport) Connect(ctx context.Context) error {
	if t.client.IsConnected() {
		return nil
	}

	if t.client.Store.ID == nil {
		// No stored credentials: pairing run. The QR channel must be
		// opened before Connect.
		qrChan, err := t.client.GetQRChannel(ctx)
		if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			return fmt.Errorf("failed to open QR channel: %w", err)
		}
		if err := t.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		go t.renderQR(qrChan)
		return nil
	}

	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (t *wameowTransport) renderQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			util.Info("Scan the QR code to link this device")
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
		case "success":
			util.Info("Device linked")
			return
		case "timeout":
			t.logger.Warn("QR pairing timed out, restart to retry")
			return
		}
	}
}

func (t *wameowTransport) Disconnect() {
	t.client.Disconnect()
}

func (t *wameowTransport) Logout(ctx context.Context) error {
	if !t.client.IsLoggedIn() {
		return nil
	}
	return t.client.Logout(ctx)
}

func (t *wameowTransport) DeleteSession(ctx context.Context) error {
	if t.client.Store == nil {
		return nil
	}
	return t.client.Store.Delete(ctx)
}

func (t *wameowTransport) IsLoggedIn() bool {
	return t.client.Store.ID != nil
}

func (t *wameowTransport) Phone() string {
	if t.client.Store.ID == nil {
		return ""
	}
	return "+" + t.client.Store.ID.User
}

func (t *wameowTransport) PairPhone(ctx context.Context, phone string) (string, error) {
	if !t.client.IsConnected() {
		if err := t.Connect(ctx); err != nil {
			return "", err
		}
	}
	code, err := t.client.PairPhone(ctx, util.PhoneDigits(phone), true, whatsmeow.PairClientChrome, "Chrome (Windows)")
	if err != nil {
		return "", fmt.Errorf("failed to request pairing code: %w", err)
	}
	return code, nil
}

func (t *wameowTransport) SendText(ctx context.Context, conversationID, body string) (string, error) {
	if err := t.sendLimit.Wait(ctx); err != nil {
		return "", err
	}

	to, err := parseJID(conversationID)
	if err != nil {
		return "", err
	}

	resp, err := t.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.ID, nil
}

func (t *wameowTransport) ListGroups(ctx context.Context) ([]model.Group, error) {
	groups, err := t.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	out := make([]model.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, model.Group{
			ID:               g.JID.String(),
			Name:             g.Name,
			ParticipantCount: len(g.Participants),
		})
	}
	return out, nil
}

// FetchHistory asks the primary device for older messages and waits for the
// matching history sync payload. The anchor must be a message this process
// has seen; an unknown anchor reports cache.ErrAnchorUnavailable so the
// caller can retry unanchored.
func (t *wameowTransport) FetchHistory(ctx context.Context, conversationID, anchorID string, count int) ([]model.Message, error) {
	var anchor *types.MessageInfo
	if anchorID != "" {
		t.mu.Lock()
		info := t.anchors[conversationID]
		t.mu.Unlock()
		if info == nil || info.ID != anchorID {
			return nil, cache.ErrAnchorUnavailable
		}
		anchor = info
	}

	req := t.client.BuildHistorySyncRequest(anchor, count)
	if req == nil {
		return nil, errors.New("failed to build history sync request")
	}

	waiter := make(chan []model.Message, 1)
	t.mu.Lock()
	t.pending[conversationID] = waiter
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, conversationID)
		t.mu.Unlock()
	}()

	own := t.client.Store.ID.ToNonAD()
	if _, err := t.client.SendMessage(ctx, own, req, whatsmeow.SendRequestExtra{Peer: true}); err != nil {
		return nil, fmt.Errorf("failed to request history: %w", err)
	}

	timeout := t.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	select {
	case msgs := <-waiter:
		return msgs, nil
	case <-time.After(timeout):
		return nil, errors.New("history request timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *wameowTransport) Events() <-chan Event {
	return t.events
}

// emit never blocks: when the consumer falls behind the event is dropped
// and logged. Message drops are recoverable through the history fallback.
func (t *wameowTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("Event buffer full, dropping event",
			util.Int("kind", int(ev.Kind)),
			util.String("conversation_id", ev.ConversationID),
		)
	}
}

func (t *wameowTransport) handleEvent(raw interface{}) {
	switch v := raw.(type) {
	case *events.Connected:
		t.emit(Event{Kind: EventConnected})
	case *events.Disconnected:
		t.emit(Event{Kind: EventDisconnected})
	case *events.ConnectFailure:
		t.logger.Warn("Connect failure", util.String("reason", v.Reason.String()))
		t.emit(Event{Kind: EventDisconnected})
	case *events.LoggedOut:
		t.emit(Event{Kind: EventLoggedOut})
	case *events.Message:
		t.handleMessage(v)
	case *events.HistorySync:
		t.handleHistorySync(v)
	case *events.GroupInfo:
		if v.Name != nil {
			t.emit(Event{
				Kind:           EventConversationName,
				ConversationID: v.JID.String(),
				Name:           v.Name.Name,
			})
		}
	}
}

func (t *wameowTransport) handleMessage(v *events.Message) {
	conversationID := v.Info.Chat.String()

	if pm := v.Message.GetProtocolMessage(); pm != nil {
		if pm.GetType() == waE2E.ProtocolMessage_REVOKE {
			t.emit(Event{
				Kind:           EventMessageRevoked,
				ConversationID: conversationID,
				MessageID:      pm.GetKey().GetID(),
			})
		}
		return
	}

	msg, ok := convertMessage(v)
	if !ok {
		return
	}
	t.recordAnchor(conversationID, &v.Info)

	// Contact push names double as the display name for direct chats.
	if v.Info.Chat.Server == types.DefaultUserServer && !v.Info.IsFromMe && v.Info.PushName != "" {
		t.emit(Event{
			Kind:           EventConversationName,
			ConversationID: conversationID,
			Name:           v.Info.PushName,
		})
	}

	t.emit(Event{Kind: EventMessage, ConversationID: conversationID, Message: msg})
}

func (t *wameowTransport) handleHistorySync(v *events.HistorySync) {
	if v.Data == nil {
		return
	}

	for _, conv := range v.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			t.logger.Warn("Invalid chat JID in history sync", util.String("jid", conv.GetID()))
			continue
		}
		conversationID := chatJID.String()

		if name := conv.GetName(); name != "" {
			t.emit(Event{Kind: EventConversationName, ConversationID: conversationID, Name: name})
		}

		var batch []model.Message
		for _, historyMsg := range conv.GetMessages() {
			webMsg := historyMsg.GetMessage()
			if webMsg == nil {
				continue
			}
			parsed, err := t.client.ParseWebMessage(chatJID, webMsg)
			if err != nil {
				continue
			}
			msg, ok := convertMessage(parsed)
			if !ok {
				continue
			}
			t.recordAnchor(conversationID, &parsed.Info)
			batch = append(batch, msg)
		}

		t.mu.Lock()
		waiter, ok := t.pending[conversationID]
		t.mu.Unlock()
		if ok {
			select {
			case waiter <- batch:
				continue
			default:
			}
		}
		for _, msg := range batch {
			t.emit(Event{Kind: EventMessage, ConversationID: conversationID, Message: msg})
		}
	}
}

// recordAnchor keeps the earliest message info seen per conversation, the
// reference point for anchored history requests.
func (t *wameowTransport) recordAnchor(conversationID string, info *types.MessageInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.anchors[conversationID]
	if current == nil || info.Timestamp.Before(current.Timestamp) {
		t.anchors[conversationID] = info
	}
}

func convertMessage(v *events.Message) (model.Message, bool) {
	m := v.Message
	if m == nil {
		return model.Message{}, false
	}

	msg := model.Message{
		ID:        v.Info.ID,
		Sender:    "+" + v.Info.Sender.User,
		Timestamp: v.Info.Timestamp,
		FromMe:    v.Info.IsFromMe,
	}

	switch {
	case m.GetConversation() != "":
		msg.Content = m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		ext := m.GetExtendedTextMessage()
		msg.Content = ext.GetText()
		msg.QuotedID = ext.GetContextInfo().GetStanzaID()
		msg.Forwarded = ext.GetContextInfo().GetIsForwarded()
	case m.GetImageMessage() != nil:
		msg.MediaType = "image"
		msg.Content = m.GetImageMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		msg.MediaType = "video"
		msg.Content = m.GetVideoMessage().GetCaption()
	case m.GetAudioMessage() != nil:
		msg.MediaType = "audio"
	case m.GetDocumentMessage() != nil:
		msg.MediaType = "document"
		msg.Content = m.GetDocumentMessage().GetTitle()
	default:
		return model.Message{}, false
	}
	return msg, true
}

func parseJID(s string) (types.JID, error) {
	jid, err := types.ParseJID(s)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid conversation id %q: %w", s, err)
	}
	return jid, nil
}
