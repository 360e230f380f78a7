package handlers

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/ratekeeper-go/internal/docstore"
	"github.com/serroba/ratekeeper-go/internal/events"
	"github.com/serroba/ratekeeper-go/internal/retention"
	"go.uber.org/zap"
)

// MessagesHandler serves a tenant's ephemeral message log. Reads go through
// the guard middleware like any other operation.
type MessagesHandler struct {
	store  docstore.Store
	logger *zap.Logger
}

// NewMessagesHandler creates the message log handler.
func NewMessagesHandler(store docstore.Store, logger *zap.Logger) *MessagesHandler {
	return &MessagesHandler{store: store, logger: logger}
}

// MessagesInput selects the tenant whose log to read.
type MessagesInput struct {
	TenantID string `path:"tenantId" minLength:"1"`
	Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
}

// MessagesResponse lists messages, newest first.
type MessagesResponse struct {
	Body struct {
		Messages []events.MessageRecord `json:"messages"`
	}
}

// List returns the tenant's retained messages, newest first.
func (h *MessagesHandler) List(ctx context.Context, input *MessagesInput) (*MessagesResponse, error) {
	entries, err := h.store.Scan(ctx, retention.MessagePrefix(input.TenantID))
	if err != nil {
		h.logger.Error("message scan failed",
			zap.String("tenant", input.TenantID),
			zap.Error(err),
		)

		return nil, huma.Error500InternalServerError("failed to read message log")
	}

	messages := make([]events.MessageRecord, 0, len(entries))

	for _, entry := range entries {
		var record events.MessageRecord
		if err := json.Unmarshal(entry.Doc, &record); err != nil {
			h.logger.Warn("skipping malformed message record",
				zap.String("key", entry.Key),
			)

			continue
		}

		messages = append(messages, record)
	}

	sort.Slice(messages, func(a, b int) bool {
		return messages[a].CreatedAt > messages[b].CreatedAt
	})

	if len(messages) > input.Limit {
		messages = messages[:input.Limit]
	}

	resp := &MessagesResponse{}
	resp.Body.Messages = messages

	return resp, nil
}
