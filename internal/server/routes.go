package server

import (
	"github.com/danielgtaylor/huma/v2"

	v1 "github.com/gosuda/datapr/internal/api/v1"
)

func registerChatRoutes(api huma.API, conversations v1.Conversations) {
	v1.RegisterChatRoutes(api, conversations)
}

func registerRequestRoutes(api huma.API, requests v1.Requests) {
	v1.RegisterRequestRoutes(api, requests)
}
