package whatsapp

import (
	"context"

	"whatsapp-gateway/internal/model"
)

// EventKind discriminates occurrences surfaced by a Transport.
type EventKind int

const (
	// EventConnected fires once the transport is authenticated and live.
	EventConnected EventKind = iota
	// EventDisconnected fires on any connection loss that is not a logout.
	EventDisconnected
	// EventLoggedOut fires when the upstream account revoked this device.
	EventLoggedOut
	// EventMessage carries one inbound or self-sent message.
	EventMessage
	// EventMessageRevoked marks a previously delivered message as deleted.
	EventMessageRevoked
	// EventConversationName carries a learned conversation display name.
	EventConversationName
)

// Event is one occurrence read off the transport's bounded channel. Only
// the fields relevant to the Kind are populated.
type Event struct {
	Kind           EventKind
	ConversationID string
	MessageID      string
	Name           string
	Message        model.Message
}

// Transport is the protocol layer beneath a Session. Implementations feed
// Events() from their own goroutines; the channel is bounded and producers
// must drop (with a log) rather than block when the consumer falls behind.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	DeleteSession(ctx context.Context) error
	IsLoggedIn() bool
	Phone() string

	// PairPhone requests a link code for the given number. Only valid
	// while the transport is unpaired.
	PairPhone(ctx context.Context, phone string) (string, error)

	SendText(ctx context.Context, conversationID, body string) (string, error)
	FetchHistory(ctx context.Context, conversationID, anchorID string, count int) ([]model.Message, error)
	ListGroups(ctx context.Context) ([]model.Group, error)

	Events() <-chan Event
}
