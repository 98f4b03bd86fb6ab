package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/omi/listen-server/internal/database"
	"github.com/omi/listen-server/internal/model"
)

type ConversationRepository interface {
	FindByID(ctx context.Context, uid, id string) (*model.Conversation, error)
	FindByIDForUpdate(ctx context.Context, uid, id string) (*model.Conversation, error)
	FindInProgress(ctx context.Context, uid string) (*model.Conversation, error)
	FindStaleInProgress(ctx context.Context, finishedBefore time.Time, limit int) ([]model.Conversation, error)
	FindRecent(ctx context.Context, uid string, limit int) ([]model.Conversation, error)
	Create(ctx context.Context, params model.CreateConversationParams) (*model.Conversation, error)
	UpdateSegments(ctx context.Context, uid, id string, segments []model.TranscriptSegment, finishedAt time.Time) error
	UpdateStatus(ctx context.Context, uid, id string, status model.ConversationStatus) error
	MarkDiscarded(ctx context.Context, uid, id string) error
	AddPhotos(ctx context.Context, uid, id string, photos []model.ConversationPhoto) error
	UpdateAudioFiles(ctx context.Context, uid, id string, files []model.AudioFile) error
	UpdateGeolocation(ctx context.Context, uid, id string, geo model.Geolocation) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) ConversationRepository
}

type conversationRepo struct {
	db database.DBTX
}

func NewConversationRepository(db *sqlx.DB) ConversationRepository {
	return &conversationRepo{db: db}
}

func (r *conversationRepo) WithTx(tx *sqlx.Tx) ConversationRepository {
	return &conversationRepo{db: tx}
}

func (r *conversationRepo) FindByID(ctx context.Context, uid, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.GetContext(ctx, &conv, `
		SELECT * FROM conversations WHERE uid = $1 AND id = $2 AND NOT deleted
	`, uid, id)
	return HandleNotFound(&conv, err)
}

func (r *conversationRepo) FindByIDForUpdate(ctx context.Context, uid, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.GetContext(ctx, &conv, `
		SELECT * FROM conversations WHERE uid = $1 AND id = $2 FOR UPDATE
	`, uid, id)
	return HandleNotFound(&conv, err)
}

func (r *conversationRepo) FindInProgress(ctx context.Context, uid string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.GetContext(ctx, &conv, `
		SELECT * FROM conversations
		WHERE uid = $1 AND status = 'in_progress' AND NOT deleted
		ORDER BY created_at DESC
		LIMIT 1
	`, uid)
	return HandleNotFound(&conv, err)
}

func (r *conversationRepo) FindStaleInProgress(ctx context.Context, finishedBefore time.Time, limit int) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.db.SelectContext(ctx, &convs, `
		SELECT * FROM conversations
		WHERE status = 'in_progress' AND finished_at < $1
		ORDER BY finished_at ASC
		LIMIT $2
	`, finishedBefore, limit)
	return convs, err
}

func (r *conversationRepo) FindRecent(ctx context.Context, uid string, limit int) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.db.SelectContext(ctx, &convs, `
		SELECT * FROM conversations
		WHERE uid = $1 AND NOT deleted AND NOT discarded
		ORDER BY started_at DESC
		LIMIT $2
	`, uid, limit)
	return convs, err
}

func (r *conversationRepo) Create(ctx context.Context, params model.CreateConversationParams) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.GetContext(ctx, &conv, `
		INSERT INTO conversations (id, uid, status, source, language, started_at, finished_at, transcript_segments)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, 'in_progress', $3, $4, $5, $6, $7)
		RETURNING *
	`, params.ID, params.UID, params.Source, params.Language, params.StartedAt, params.FinishedAt,
		model.TranscriptSegments(params.Segments))
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepo) UpdateSegments(ctx context.Context, uid, id string, segments []model.TranscriptSegment, finishedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET
			transcript_segments = $3,
			finished_at = $4
		WHERE uid = $1 AND id = $2
	`, uid, id, model.TranscriptSegments(segments), finishedAt)
	return err
}

func (r *conversationRepo) UpdateStatus(ctx context.Context, uid, id string, status model.ConversationStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET status = $3 WHERE uid = $1 AND id = $2
	`, uid, id, status)
	return err
}

func (r *conversationRepo) MarkDiscarded(ctx context.Context, uid, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET discarded = TRUE, status = 'discarded' WHERE uid = $1 AND id = $2
	`, uid, id)
	return err
}

func (r *conversationRepo) AddPhotos(ctx context.Context, uid, id string, photos []model.ConversationPhoto) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET photos = photos || $3::jsonb WHERE uid = $1 AND id = $2
	`, uid, id, model.Photos(photos))
	return err
}

func (r *conversationRepo) UpdateAudioFiles(ctx context.Context, uid, id string, files []model.AudioFile) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET audio_files = $3 WHERE uid = $1 AND id = $2
	`, uid, id, model.AudioFiles(files))
	return err
}

func (r *conversationRepo) UpdateGeolocation(ctx context.Context, uid, id string, geo model.Geolocation) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET geolocation = $3 WHERE uid = $1 AND id = $2
	`, uid, id, geo)
	return err
}
