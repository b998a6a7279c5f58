package domain

import (
	"context"
	"time"
)

type SessionStatus string

const (
	SessionStatusCollecting SessionStatus = "collecting"
	SessionStatusDispatched SessionStatus = "dispatched"
	SessionStatusFulfilled  SessionStatus = "fulfilled"
	SessionStatusErrored    SessionStatus = "errored"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn of a conversation, append-only.
type Message struct {
	Role      MessageRole `json:"role"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

// Session is one user's ongoing slot-filling dialogue. Fields accumulate
// monotonically: a slot, once set to a non-empty value, is only ever
// replaced by a newer non-empty value, never cleared by an empty extraction.
type Session struct {
	ID        string            `json:"session_id"`
	Messages  []Message         `json:"messages"`
	Fields    map[string]string `json:"fields"`
	Status    SessionStatus     `json:"status"`
	RequestID *string           `json:"request_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Required slots, in the order follow-up prompts list them.
const (
	SlotDatasetName    = "dataset_name"
	SlotLocation       = "location"
	SlotLabels         = "labels"
	SlotServiceAccount = "service_account"
)

// RequiredSlots returns the fixed slot set a request must fill before dispatch.
func RequiredSlots() []string {
	return []string{SlotDatasetName, SlotLocation, SlotLabels, SlotServiceAccount}
}

// IsRequiredSlot reports whether name is in the required slot set.
// Extracted fields outside the set are ignored entirely.
func IsRequiredSlot(name string) bool {
	for _, s := range RequiredSlots() {
		if s == name {
			return true
		}
	}
	return false
}

// MergeFields merges extracted into fields under the monotonic rule:
// non-empty extracted values for required slots win (last write wins per
// slot), empty values never clear a previously collected one. Returns the
// merged map; fields is not mutated.
func MergeFields(fields, extracted map[string]string) map[string]string {
	merged := make(map[string]string, len(fields)+len(extracted))
	for k, v := range fields {
		merged[k] = v
	}
	for k, v := range extracted {
		if v == "" || !IsRequiredSlot(k) {
			continue
		}
		merged[k] = v
	}
	return merged
}

// MissingSlots returns the required slots not yet filled, in required-slot order.
func MissingSlots(fields map[string]string) []string {
	var missing []string
	for _, s := range RequiredSlots() {
		if fields[s] == "" {
			missing = append(missing, s)
		}
	}
	return missing
}

type SessionRepository interface {
	// GetOrCreate loads the session document, initializing an empty
	// collecting session when the id has not been seen.
	GetOrCreate(ctx context.Context, id string) (*Session, error)
	AppendMessage(ctx context.Context, id string, msg Message) error
	SetFields(ctx context.Context, id string, fields map[string]string) error
	SetStatus(ctx context.Context, id string, status SessionStatus) error
	// MarkDispatched links the session to its request and moves it to dispatched.
	MarkDispatched(ctx context.Context, id, requestID string) error
	// Reset starts a new collection cycle under the same session id:
	// fields and request link are cleared, status returns to collecting.
	// Message history is preserved.
	Reset(ctx context.Context, id string) error
}
