package models

import "time"

// BlockedEvent records one rejected request for the audit sink.
type BlockedEvent struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	Subject    string    `json:"subject"`
	Tier       string    `json:"tier"`
	PolicyID   string    `json:"policy_id"`
	Method     string    `json:"method"`
	Endpoint   string    `json:"endpoint"`
	Remaining  int64     `json:"remaining"`
	RetryAfter int64     `json:"retry_after_seconds"`
	Fallback   bool      `json:"fallback"`
}

