package model

import "time"

// ConnectionState is the lifecycle state of the WhatsApp session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StatePairing
	StateAuthenticating
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StatePairing:
		return "pairing"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// -------------------- MESSAGE MODEL --------------------

// Message is a single cached message within a conversation. Immutable after
// insertion except for the Deleted flag.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	MediaType string    `json:"media_type,omitempty"` // image|video|audio|document, empty for text
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"from_me"`
	Forwarded bool      `json:"forwarded,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	QuotedID  string    `json:"quoted_id,omitempty"` // id of the quoted message, if any
}

// -------------------- GROUP MODEL --------------------

type Group struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ParticipantCount int    `json:"participant_count"`
}

// -------------------- OTP MODEL --------------------

// OTPChallenge is a pending one-time-code verification for a phone number.
// At most one live challenge exists per phone; a new request replaces it.
type OTPChallenge struct {
	Phone             string    `json:"phone"`
	CodeHash          string    `json:"code_hash"` // argon2id hash, never the code itself
	IssuedAt          time.Time `json:"issued_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	AttemptsRemaining int       `json:"attempts_remaining"`
}

// Expired reports whether the challenge is past its expiry at the given time.
func (c *OTPChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// -------------------- IDENTITY MODEL --------------------

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is the verified caller bound to a session token.
type Identity struct {
	Phone string `json:"phone"`
	Role  string `json:"role"`
}
