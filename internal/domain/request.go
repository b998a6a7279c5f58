package domain

import (
	"context"
	"time"
)

type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
)

// Terminal reports whether no further pipeline work is expected for this
// status. A failed request may still be reprocessed on queue redelivery;
// completed is immutable.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed
}

// RequestPayload is the normalized slot set a completed session dispatches.
type RequestPayload struct {
	DatasetName    string            `json:"dataset_name"`
	Location       string            `json:"location"`
	Labels         map[string]string `json:"labels"`
	ServiceAccount string            `json:"service_account"`
}

// Request is one dispatched unit of provisioning work. The ledger row is
// authoritative for status; the queue message is a transient copy.
type Request struct {
	ID          string         `json:"request_id"`
	SessionID   string         `json:"session_id"`
	Payload     RequestPayload `json:"payload"`
	Status      RequestStatus  `json:"status"`
	ArtifactURL string         `json:"artifact_url,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DispatchMessage is the queue wire format: the request id plus a flat copy
// of the payload, matching what the worker validates on pull.
type DispatchMessage struct {
	RequestID      string            `json:"request_id"`
	SessionID      string            `json:"session_id"`
	DatasetName    string            `json:"dataset_name"`
	Location       string            `json:"location"`
	Labels         map[string]string `json:"labels"`
	ServiceAccount string            `json:"service_account"`
}

// Payload converts the wire message back into a request payload.
func (m DispatchMessage) Payload() RequestPayload {
	return RequestPayload{
		DatasetName:    m.DatasetName,
		Location:       m.Location,
		Labels:         m.Labels,
		ServiceAccount: m.ServiceAccount,
	}
}

// RequestRepository is the ledger. Implementations must enforce the
// forward-only status contract: completed rows are immutable (updates
// return ErrAlreadyCompleted) and nothing re-enters pending after creation.
type RequestRepository interface {
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id string) (*Request, error)
	// MarkProcessing is idempotent; marking an already-processing request
	// again is harmless.
	MarkProcessing(ctx context.Context, id string) error
	Complete(ctx context.Context, id, artifactURL string) error
	Fail(ctx context.Context, id, errSummary string) error
}
