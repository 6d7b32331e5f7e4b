package domain

import (
	"encoding/json"
	"time"
)

// JournalEntry is one update as recorded by the hub for replay.
type JournalEntry struct {
	Seq        int64           `json:"seq"`
	SessionID  string          `json:"sessionId"`
	Event      string          `json:"event"`
	StepKind   StepKind        `json:"stepKind"`
	Progress   int             `json:"progress"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// SessionRecord summarizes the updates journaled for a session.
type SessionRecord struct {
	SessionID   string    `json:"sessionId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Completed   bool      `json:"completed"`
	UpdateCount int       `json:"updateCount"`
}
