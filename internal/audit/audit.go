package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"whatsapp-gateway/internal/client"
	"whatsapp-gateway/internal/util"
)

// Event types emitted by the auth path.
const (
	EventOTPRequested = "otp_requested"
	EventOTPVerified  = "otp_verified"
	EventOTPRejected  = "otp_rejected"
	EventOTPExhausted = "otp_exhausted"
	EventRateLimited  = "rate_limited"
	EventUnauthorized = "unauthorized_phone"
	EventSessionReset = "session_reset"
)

// Event is one security-relevant occurrence. Phone numbers are carried
// as-is; downstream consumers own redaction policy.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Phone     string    `json:"phone,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder publishes security events. Recording must never fail or delay
// the auth path; implementations log and drop on error.
type Recorder interface {
	Record(ctx context.Context, eventType, phone, clientIP, detail string)
}

// KafkaRecorder publishes events to the configured audit topic.
type KafkaRecorder struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaRecorder(producer *client.KafkaProducer, topic string) *KafkaRecorder {
	return &KafkaRecorder{producer: producer, topic: topic}
}

func (r *KafkaRecorder) Record(ctx context.Context, eventType, phone, clientIP, detail string) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Phone:     phone,
		ClientIP:  clientIP,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal audit event", util.ErrorField(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.producer.ProduceMessage(ctx, r.topic, []byte(eventType), payload, nil); err != nil {
		util.Warn("Failed to publish audit event",
			util.String("type", eventType),
			util.ErrorField(err),
		)
	}
}

// NopRecorder is used when no brokers are configured.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, string, string, string, string) {}
