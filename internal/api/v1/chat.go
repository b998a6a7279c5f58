package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

type ChatInput struct {
	Body struct {
		SessionID string `json:"session_id,omitempty" maxLength:"64" doc:"Session to continue; omit to start a new one"`
		Message   string `json:"message" minLength:"1" maxLength:"2000" doc:"User message"`
	}
}

type ChatOutput struct {
	Body ChatResponse
}

// ChatResponse is one assistant turn. Fields echoes the slots collected so
// far; request_id and artifact_url appear once the session has dispatched.
type ChatResponse struct {
	SessionID   string            `json:"session_id" doc:"Session identifier for subsequent turns"`
	Message     string            `json:"message" doc:"Assistant reply"`
	Status      string            `json:"status" enum:"collecting,processing,completed,error" doc:"Turn outcome"`
	Fields      map[string]string `json:"fields,omitempty" doc:"Slots collected so far"`
	RequestID   string            `json:"request_id,omitempty" doc:"Provisioning request id, once dispatched"`
	ArtifactURL string            `json:"artifact_url,omitempty" doc:"Pull request URL, once completed"`
}

func RegisterChatRoutes(api huma.API, conversations Conversations) {
	huma.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/chat",
		Summary:     "Send one conversational turn",
		Description: "Extracts dataset fields from the message and asks for whatever is still missing. Once all fields are collected the provisioning request is dispatched.",
		Tags:        []string{"Chat"},
	}, func(ctx context.Context, input *ChatInput) (*ChatOutput, error) {
		result, err := conversations.HandleTurn(ctx, input.Body.SessionID, input.Body.Message)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to process turn", err)
		}

		return &ChatOutput{Body: ChatResponse{
			SessionID:   result.SessionID,
			Message:     result.Message,
			Status:      string(result.Status),
			Fields:      result.Fields,
			RequestID:   result.RequestID,
			ArtifactURL: result.ArtifactURL,
		}}, nil
	})
}
