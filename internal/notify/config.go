package notify

import (
	"time"

	"github.com/ppiankov/playwatch/internal/redact"
)

// Event types.
const (
	EventEscalation       = "escalation"
	EventApprovalRequired = "approval_required"
	EventRollbackFailed   = "rollback_failed"
	EventRunFinished      = "run_finished"
)

// Urgency levels.
const (
	UrgencyNormal   = "normal"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// DefaultUrgentChannel receives rollback failures when no channel is configured.
const DefaultUrgentChannel = "urgent"

// WebhookConfig defines a webhook destination.
type WebhookConfig struct {
	URL      string            `yaml:"url"      json:"url"      validate:"required,url"`
	Format   string            `yaml:"format"   json:"format"   validate:"omitempty,oneof=generic slack pagerduty"`
	Events   []string          `yaml:"events"   json:"events"`   // empty matches every event type
	Channels []string          `yaml:"channels" json:"channels"` // empty matches every channel
	Headers  map[string]string `yaml:"headers"  json:"headers"`
}

// KafkaConfig publishes every event to a topic.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"       json:"brokers"`
	Topic        string        `yaml:"topic"         json:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// Config is the notification section of the engine config.
type Config struct {
	Webhooks      []WebhookConfig `yaml:"webhooks"       json:"webhooks"       validate:"dive"`
	Kafka         KafkaConfig     `yaml:"kafka"          json:"kafka"`
	UrgentChannel string          `yaml:"urgent_channel" json:"urgent_channel"`
	Redact        redact.Config   `yaml:"redact"         json:"redact"`
}

// Event is the payload sent to every sink.
type Event struct {
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Urgency   string   `json:"urgency"`
	Channel   string   `json:"channel"`
	RunID     string   `json:"run_id"`
	Playbook  string   `json:"playbook"`
	State     string   `json:"state,omitempty"`
	Resource  string   `json:"resource,omitempty"`
	Action    string   `json:"action,omitempty"`
	Decision  string   `json:"decision,omitempty"`
	Reason    string   `json:"reason"`
	Reasoning []string `json:"reasoning,omitempty"` // the run's audit trail, oldest first
}
