package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/redis"
	"github.com/omi/listen-server/internal/repository"
)

const (
	conversationLockTTL  = 15 * time.Second
	conversationLockWait = 10 * time.Second
)

// TxBeginner starts database transactions. *sqlx.DB satisfies it.
type TxBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// ConversationSeed describes a conversation about to be created.
type ConversationSeed struct {
	// ID forces the id of a newly created conversation.
	ID        string
	Source    string
	Language  string
	StartedAt time.Time
}

// ConversationService is the single writer of in-progress conversations.
// Writers for one uid are serialized by a Redis lease; the in-progress
// marker in Redis names the conversation currently accepting segments.
type ConversationService struct {
	db    TxBeginner
	repo  repository.ConversationRepository
	redis *redis.Client
	now   func() time.Time
}

func NewConversationService(db TxBeginner, repo repository.ConversationRepository, rc *redis.Client) *ConversationService {
	return &ConversationService{db: db, repo: repo, redis: rc, now: time.Now}
}

func (s *ConversationService) withLock(ctx context.Context, uid string, fn func() error) error {
	lock, err := s.redis.AcquireLock(ctx, redis.ConversationLockKey(uid), conversationLockTTL, conversationLockWait)
	if err != nil {
		return fmt.Errorf("lock conversations of %s: %w", uid, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("uid", uid).Msg("release conversation lock")
		}
	}()
	return fn()
}

// GetOrCreateInProgress returns the user's in-progress conversation, creating
// it from seed when there is none.
func (s *ConversationService) GetOrCreateInProgress(ctx context.Context, uid string, seed ConversationSeed) (*model.Conversation, error) {
	var conv *model.Conversation
	err := s.withLock(ctx, uid, func() error {
		var err error
		conv, err = s.findInProgress(ctx, uid)
		if err != nil || conv != nil {
			return err
		}

		startedAt := seed.StartedAt
		if startedAt.IsZero() {
			startedAt = s.now()
		}
		id := seed.ID
		if id == "" {
			id = uuid.NewString()
		}
		conv, err = s.repo.Create(ctx, model.CreateConversationParams{
			ID:         id,
			UID:        uid,
			Source:     seed.Source,
			Language:   seed.Language,
			StartedAt:  startedAt.UTC(),
			FinishedAt: startedAt.UTC(),
		})
		if err != nil {
			return apperrors.Database(err)
		}
		if err := s.redis.Set(ctx, redis.InProgressKey(uid), conv.ID, 0).Err(); err != nil {
			return fmt.Errorf("set in-progress marker: %w", err)
		}

		log.Info().Str("uid", uid).Str("conversationId", conv.ID).Msg("conversation created")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// InProgress returns the user's in-progress conversation or nil.
func (s *ConversationService) InProgress(ctx context.Context, uid string) (*model.Conversation, error) {
	var conv *model.Conversation
	err := s.withLock(ctx, uid, func() error {
		var err error
		conv, err = s.findInProgress(ctx, uid)
		return err
	})
	return conv, err
}

func (s *ConversationService) findInProgress(ctx context.Context, uid string) (*model.Conversation, error) {
	id, err := s.redis.Get(ctx, redis.InProgressKey(uid)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("read in-progress marker: %w", err)
	}
	if id != "" {
		conv, err := s.repo.FindByID(ctx, uid, id)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if conv != nil && conv.Status == model.ConversationStatusInProgress {
			return conv, nil
		}
	}

	conv, err := s.repo.FindInProgress(ctx, uid)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if conv == nil {
		return nil, nil
	}
	if err := s.redis.Set(ctx, redis.InProgressKey(uid), conv.ID, 0).Err(); err != nil {
		return nil, fmt.Errorf("restore in-progress marker: %w", err)
	}
	return conv, nil
}

// Get returns a conversation owned by uid.
func (s *ConversationService) Get(ctx context.Context, uid, id string) (*model.Conversation, error) {
	conv, err := s.repo.FindByID(ctx, uid, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if conv == nil {
		return nil, apperrors.NotFound("conversation")
	}
	return conv, nil
}

// AppendSegments merges segments into the conversation, keeping the stored
// list sorted by start, and bumps finished_at. It returns the updated
// conversation.
func (s *ConversationService) AppendSegments(ctx context.Context, uid, id string, segments []model.TranscriptSegment) (*model.Conversation, error) {
	var conv *model.Conversation
	err := s.withLock(ctx, uid, func() error {
		return s.inTx(ctx, func(repo repository.ConversationRepository) error {
			var err error
			conv, err = repo.FindByIDForUpdate(ctx, uid, id)
			if err != nil {
				return apperrors.Database(err)
			}
			if conv == nil {
				return apperrors.NotFound("conversation")
			}

			merged := model.CombineSegments(conv.TranscriptSegments, segments)
			finishedAt := s.now().UTC().Truncate(time.Microsecond)
			if err := repo.UpdateSegments(ctx, uid, id, merged, finishedAt); err != nil {
				return apperrors.Database(err)
			}
			conv.TranscriptSegments = merged
			conv.FinishedAt = finishedAt
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *ConversationService) inTx(ctx context.Context, fn func(repo repository.ConversationRepository) error) error {
	if s.db == nil {
		return fn(s.repo)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Database(err)
	}
	if err := fn(s.repo.WithTx(tx)); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

func (s *ConversationService) SetStatus(ctx context.Context, uid, id string, status model.ConversationStatus) error {
	if err := s.repo.UpdateStatus(ctx, uid, id, status); err != nil {
		return apperrors.Database(err)
	}
	log.Info().
		Str("uid", uid).
		Str("conversationId", id).
		Str("status", string(status)).
		Msg("conversation status updated")
	return nil
}

func (s *ConversationService) MarkDiscarded(ctx context.Context, uid, id string) error {
	if err := s.repo.MarkDiscarded(ctx, uid, id); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

func (s *ConversationService) AddPhotos(ctx context.Context, uid, id string, photos []model.ConversationPhoto) error {
	if len(photos) == 0 {
		return nil
	}
	for i := range photos {
		if photos[i].ID == "" {
			photos[i].ID = uuid.NewString()
		}
		if photos[i].CreatedAt.IsZero() {
			photos[i].CreatedAt = s.now().UTC()
		}
	}
	return s.withLock(ctx, uid, func() error {
		if err := s.repo.AddPhotos(ctx, uid, id, photos); err != nil {
			return apperrors.Database(err)
		}
		return nil
	})
}

func (s *ConversationService) SetAudioFiles(ctx context.Context, uid, id string, files []model.AudioFile) error {
	if err := s.repo.UpdateAudioFiles(ctx, uid, id, files); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

// Finalize clears the in-progress marker if it still names id.
func (s *ConversationService) Finalize(ctx context.Context, uid, id string) error {
	removed, err := s.redis.DeleteIfEquals(ctx, redis.InProgressKey(uid), id)
	if err != nil {
		return err
	}
	log.Debug().
		Str("uid", uid).
		Str("conversationId", id).
		Bool("markerRemoved", removed).
		Msg("conversation finalized")
	return nil
}

// AttachGeolocation copies the user's cached location onto the conversation.
func (s *ConversationService) AttachGeolocation(ctx context.Context, uid, id string) (*model.Geolocation, error) {
	raw, err := s.redis.Get(ctx, redis.GeolocationKey(uid)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cached geolocation: %w", err)
	}

	var geo model.Geolocation
	if err := json.Unmarshal(raw, &geo); err != nil {
		return nil, fmt.Errorf("decode cached geolocation: %w", err)
	}
	if err := s.repo.UpdateGeolocation(ctx, uid, id, geo); err != nil {
		return nil, apperrors.Database(err)
	}
	return &geo, nil
}

// FindStale lists in-progress conversations idle since before cutoff.
func (s *ConversationService) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]model.Conversation, error) {
	convs, err := s.repo.FindStaleInProgress(ctx, cutoff, limit)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return convs, nil
}

func (s *ConversationService) Recent(ctx context.Context, uid string, limit int) ([]model.Conversation, error) {
	convs, err := s.repo.FindRecent(ctx, uid, limit)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return convs, nil
}
