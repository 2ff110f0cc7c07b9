package ws

import (
	"time"

	"github.com/gerbilphysics/awards/internal/award"
)

type MessageType string

const (
	MsgSnapshot       MessageType = "snapshot"
	MsgDelta          MessageType = "delta"
	MsgAwardUnlocked  MessageType = "award_unlocked"
	MsgSessionStarted MessageType = "session_started"
	MsgBestTime       MessageType = "best_time"
	MsgHealthAlert    MessageType = "health_alert"
	MsgError          MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// AwardStatus is one catalog entry annotated with this session's fired state
// and the ledger's durable unlock state.
type AwardStatus struct {
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Tier        string     `json:"tier"`
	Category    string     `json:"category"`
	Fired       bool       `json:"fired"`
	FiredAt     *time.Time `json:"firedAt,omitempty"`
	Unlocked    bool       `json:"unlocked"`
	UnlockedAt  *time.Time `json:"unlockedAt,omitempty"`
}

type SnapshotPayload struct {
	SessionID string          `json:"sessionId"`
	Facts     *award.Snapshot `json:"facts"`
	Awards    []AwardStatus   `json:"awards"`
}

// FactPayload carries the current value of one metric after a mutation.
// Kind tells the client which value field applies.
type FactPayload struct {
	Metric  award.MetricID `json:"metric"`
	Kind    string         `json:"kind"`
	Count   int            `json:"count"`
	Seconds float64        `json:"seconds"`
	Label   string         `json:"label"`
}

type DeltaPayload struct {
	Facts []FactPayload `json:"facts"`
}

type AwardUnlockedPayload struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Tier        string    `json:"tier"`
	Category    string    `json:"category"`
	SessionID   string    `json:"sessionId"`
	UnlockedAt  time.Time `json:"unlockedAt"`
}

type SessionStartedPayload struct {
	SessionID string    `json:"sessionId"`
	Label     string    `json:"label,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

type BestTimePayload struct {
	Level     string    `json:"level"`
	Seconds   float64   `json:"seconds"`
	SessionID string    `json:"sessionId"`
	SetAt     time.Time `json:"setAt"`
}

type HealthAlertPayload struct {
	Component           string `json:"component"`
	Status              string `json:"status"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
}
