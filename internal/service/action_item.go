package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/repository"
)

type ActionItemService struct {
	repo repository.ActionItemRepository
	now  func() time.Time
}

func NewActionItemService(repo repository.ActionItemRepository) *ActionItemService {
	return &ActionItemService{repo: repo, now: time.Now}
}

func (s *ActionItemService) Update(ctx context.Context, uid, id string, upd model.ActionItemUpdate) (*model.ActionItem, error) {
	item, err := s.repo.FindByID(ctx, uid, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if item == nil {
		return nil, apperrors.NotFound("action item")
	}
	if item.IsLocked {
		return nil, apperrors.New(apperrors.ErrCodeConflict, "action item is locked")
	}
	if upd.Description != nil && *upd.Description == "" {
		return nil, apperrors.ValidationError("description must not be empty")
	}

	item.ApplyUpdate(upd, s.now().UTC())
	if err := s.repo.Update(ctx, item); err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("uid", uid).
		Str("actionItemId", id).
		Bool("completed", item.Completed).
		Msg("action item updated")
	return item, nil
}

// Open lists the user's incomplete action items.
func (s *ActionItemService) Open(ctx context.Context, uid string, limit int) ([]model.ActionItem, error) {
	items, err := s.repo.FindOpenByUID(ctx, uid, limit)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return items, nil
}
