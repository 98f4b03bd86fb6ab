package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/omi/listen-server/internal/database"
	"github.com/omi/listen-server/internal/model"
)

type ChatRepository interface {
	GetOrCreateDefaultSession(ctx context.Context, uid string) (*model.ChatSession, error)
	CreateMessage(ctx context.Context, params model.CreateChatMessageParams) (*model.ChatMessage, error)
	// FindRecentMessages returns up to limit messages, newest first.
	FindRecentMessages(ctx context.Context, uid, sessionID string, limit int) ([]model.ChatMessage, error)
}

type chatRepo struct {
	db database.DBTX
}

func NewChatRepository(db *sqlx.DB) ChatRepository {
	return &chatRepo{db: db}
}

func (r *chatRepo) GetOrCreateDefaultSession(ctx context.Context, uid string) (*model.ChatSession, error) {
	var session model.ChatSession
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO chat_sessions (uid, plugin_id)
		VALUES ($1, NULL)
		ON CONFLICT (uid) WHERE plugin_id IS NULL DO UPDATE SET uid = EXCLUDED.uid
		RETURNING *
	`, uid)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *chatRepo) CreateMessage(ctx context.Context, params model.CreateChatMessageParams) (*model.ChatMessage, error) {
	var msg model.ChatMessage
	err := r.db.GetContext(ctx, &msg, `
		INSERT INTO chat_messages (uid, chat_session_id, text, sender, data_protection_level)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`, params.UID, params.ChatSessionID, params.Text, params.Sender, params.DataProtectionLevel)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *chatRepo) FindRecentMessages(ctx context.Context, uid, sessionID string, limit int) ([]model.ChatMessage, error) {
	var msgs []model.ChatMessage
	err := r.db.SelectContext(ctx, &msgs, `
		SELECT * FROM chat_messages
		WHERE uid = $1 AND chat_session_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, uid, sessionID, limit)
	return msgs, err
}
