package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/omi/listen-server/internal/encryption"
	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/repository"
)

type ChatService struct {
	repo   repository.ChatRepository
	cipher *encryption.Cipher
}

func NewChatService(repo repository.ChatRepository, cipher *encryption.Cipher) *ChatService {
	return &ChatService{repo: repo, cipher: cipher}
}

// DefaultSession returns the user's chat session without a plugin.
func (s *ChatService) DefaultSession(ctx context.Context, uid string) (*model.ChatSession, error) {
	session, err := s.repo.GetOrCreateDefaultSession(ctx, uid)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return session, nil
}

// SaveMessage stores one chat turn. Enhanced messages are encrypted with the
// user's key; without a usable secret they are stored as standard plaintext.
func (s *ChatService) SaveMessage(ctx context.Context, uid, sessionID, text string, sender model.MessageSender, level model.DataProtectionLevel) (*model.ChatMessage, error) {
	stored := text
	if level == model.ProtectionEnhanced {
		if s.cipher.Available() {
			enc, err := s.cipher.Encrypt(text, uid)
			if err != nil {
				return nil, fmt.Errorf("encrypt chat message: %w", err)
			}
			stored = enc
		} else {
			log.Warn().Str("uid", uid).Msg("enhanced encryption unavailable, storing chat message as standard")
			level = model.ProtectionStandard
		}
	}
	if level == "" {
		level = model.ProtectionStandard
	}

	msg, err := s.repo.CreateMessage(ctx, model.CreateChatMessageParams{
		UID:                 uid,
		ChatSessionID:       sessionID,
		Text:                stored,
		Sender:              sender,
		DataProtectionLevel: level,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	msg.Text = text
	return msg, nil
}

// History returns up to limit recent messages, oldest first, decrypted.
func (s *ChatService) History(ctx context.Context, uid, sessionID string, limit int) ([]model.ChatMessage, error) {
	msgs, err := s.repo.FindRecentMessages(ctx, uid, sessionID, limit)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	out := make([]model.ChatMessage, len(msgs))
	for i, m := range msgs {
		if m.DataProtectionLevel == model.ProtectionEnhanced {
			m.Text = s.cipher.Decrypt(m.Text, uid)
		}
		out[len(msgs)-1-i] = m
	}
	return out, nil
}

// FormatHistory renders messages as a conversation_history block, or ""
// when there are none.
func FormatHistory(messages []model.ChatMessage) string {
	if len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<conversation_history>\n")
	for _, m := range messages {
		role := "User"
		if m.Sender == model.SenderAI {
			role = "Assistant"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	b.WriteString("</conversation_history>")
	return b.String()
}

// PrependHistory puts the history block ahead of the prompt.
func PrependHistory(history, prompt string) string {
	if history == "" {
		return prompt
	}
	return history + "\n\n" + prompt
}
