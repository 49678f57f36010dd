package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/utils"
	"camrelay/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ControlChatMessage            = "chat_message"
	ControlRecordingRequest       = "recording_request"
	ControlRecordingRequestUpdate = "recording_request_update"
)

// ControlBroadcaster fans a message out to every control channel.
type ControlBroadcaster interface {
	BroadcastControl(msg interface{}, excluding ...domain.ConnectionID)
}

type chatService struct {
	repo      ports.ChatRepository
	users     ports.UserDirectory
	broadcast ControlBroadcaster
	maxLength int
	logger    *zap.SugaredLogger
}

func NewChatService(repo ports.ChatRepository, users ports.UserDirectory, broadcast ControlBroadcaster, maxLength int, logger *zap.SugaredLogger) ports.ChatService {
	return &chatService{
		repo:      repo,
		users:     users,
		broadcast: broadcast,
		maxLength: maxLength,
		logger:    logger,
	}
}

// Post stores the message and re-broadcasts it, with the author's public
// profile attached, to every control channel including the sender's.
func (s *chatService) Post(ctx context.Context, userID domain.UserID, content string) (*domain.ChatMessage, error) {
	content = strings.TrimSpace(utils.SanitizeString(content))
	if err := validation.ValidateChatMessage(content, s.maxLength); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat author %s: %w", userID, err)
	}

	msg := &domain.ChatMessage{
		ID:          domain.MessageID(uuid.NewString()),
		UserID:      userID,
		Message:     content,
		MessageType: "text",
		CreatedAt:   time.Now(),
		User:        user.Public(),
	}
	if err := s.repo.Add(ctx, msg); err != nil {
		return nil, fmt.Errorf("store chat message: %w", err)
	}

	s.broadcast.BroadcastControl(domain.ControlMessage{Type: ControlChatMessage, Data: msg})
	s.logger.Debugw("chat message posted", "message_id", msg.ID, "user_id", userID)
	return msg, nil
}

func (s *chatService) Recent(ctx context.Context, limit int) ([]*domain.ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.Recent(ctx, limit)
}
