package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/datapr/internal/domain"
)

type GetRequestInput struct {
	ID string `path:"id" maxLength:"64" doc:"Request ID"`
}

type GetRequestOutput struct {
	Body RequestView
}

// RequestView is the caller-facing ledger row.
type RequestView struct {
	RequestID   string                `json:"request_id"`
	SessionID   string                `json:"session_id"`
	Status      string                `json:"status" enum:"pending,processing,completed,failed"`
	Payload     domain.RequestPayload `json:"payload"`
	ArtifactURL string                `json:"artifact_url,omitempty"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

type RequestCallbackInput struct {
	Body struct {
		RequestID   string `json:"request_id" minLength:"1" maxLength:"64" doc:"Request ID"`
		Status      string `json:"status" enum:"completed,failed" doc:"Terminal outcome"`
		ArtifactURL string `json:"artifact_url,omitempty" doc:"Pull request URL for completed requests"`
		Error       string `json:"error,omitempty" doc:"Failure summary for failed requests"`
	}
}

type RequestCallbackOutput struct {
	Body struct {
		RequestID string `json:"request_id"`
		Status    string `json:"status"`
	}
}

func RegisterRequestRoutes(api huma.API, requests Requests) {
	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get a provisioning request by ID",
		Tags:        []string{"Requests"},
	}, func(ctx context.Context, input *GetRequestInput) (*GetRequestOutput, error) {
		req, err := requests.GetByID(ctx, input.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, huma.Error404NotFound("request not found")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load request", err)
		}

		return &GetRequestOutput{Body: RequestView{
			RequestID:   req.ID,
			SessionID:   req.SessionID,
			Status:      string(req.Status),
			Payload:     req.Payload,
			ArtifactURL: req.ArtifactURL,
			Error:       req.Error,
			CreatedAt:   req.CreatedAt,
			UpdatedAt:   req.UpdatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-callback",
		Method:      http.MethodPost,
		Path:        "/callbacks/request",
		Summary:     "Record a terminal outcome for a request",
		Description: "Used by out-of-process workers to report completion or failure. Idempotent: repeating a completed outcome is accepted without changing the ledger.",
		Tags:        []string{"Requests"},
	}, func(ctx context.Context, input *RequestCallbackInput) (*RequestCallbackOutput, error) {
		var err error
		switch input.Body.Status {
		case string(domain.RequestStatusCompleted):
			err = requests.Complete(ctx, input.Body.RequestID, input.Body.ArtifactURL)
		case string(domain.RequestStatusFailed):
			err = requests.Fail(ctx, input.Body.RequestID, input.Body.Error)
		}

		// A completed ledger row is immutable; reporting against it again
		// is a duplicate delivery, not an error.
		if err != nil && !errors.Is(err, domain.ErrAlreadyCompleted) {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("request not found")
			}
			return nil, huma.Error500InternalServerError("failed to record outcome", err)
		}

		out := &RequestCallbackOutput{}
		out.Body.RequestID = input.Body.RequestID
		out.Body.Status = input.Body.Status
		return out, nil
	})
}
