package service

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"

	"github.com/victorivanov/concord/internal/database"
	"github.com/victorivanov/concord/internal/gateway"
	"github.com/victorivanov/concord/internal/models"
	"github.com/victorivanov/concord/internal/permissions"
)

const maxMessageLength = 2000

// MessageService handles message business logic for server and DM channels.
type MessageService struct {
	messages database.MessageRepository
	ids      *snowflake.Node
	gateway  gateway.Broadcaster
	perms    *PermissionChecker
}

// NewMessageService creates a MessageService.
func NewMessageService(
	messages database.MessageRepository,
	ids *snowflake.Node,
	gw gateway.Broadcaster,
	perms *PermissionChecker,
) *MessageService {
	return &MessageService{
		messages: messages,
		ids:      ids,
		gateway:  gw,
		perms:    perms,
	}
}

// SendMessage posts a message to a channel the caller may send in.
func (s *MessageService) SendMessage(ctx context.Context, channelID, userID int64, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > maxMessageLength {
		return nil, BadRequest("INVALID_CONTENT", "message content must be 1-2000 characters")
	}

	if err := s.perms.RequireChannelPermission(ctx, channelID, userID, permissions.PermSendMessages); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:        s.ids.Generate().Int64(),
		ChannelID: channelID,
		AuthorID:  userID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		slog.Error("failed to create message", "channelID", channelID, "userID", userID, "error", err)
		return nil, internalError()
	}

	s.gateway.BroadcastToRoom(gateway.ChannelRoom(channelID), gateway.EventMessageCreate, msg)
	return msg, nil
}
