package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/omi/listen-server/internal/database"
	"github.com/omi/listen-server/internal/model"
)

type ActionItemRepository interface {
	FindByID(ctx context.Context, uid, id string) (*model.ActionItem, error)
	FindOpenByUID(ctx context.Context, uid string, limit int) ([]model.ActionItem, error)
	Update(ctx context.Context, item *model.ActionItem) error
}

type actionItemRepo struct {
	db database.DBTX
}

func NewActionItemRepository(db *sqlx.DB) ActionItemRepository {
	return &actionItemRepo{db: db}
}

func (r *actionItemRepo) FindByID(ctx context.Context, uid, id string) (*model.ActionItem, error) {
	var item model.ActionItem
	err := r.db.GetContext(ctx, &item, `
		SELECT * FROM action_items WHERE uid = $1 AND id = $2
	`, uid, id)
	return HandleNotFound(&item, err)
}

func (r *actionItemRepo) FindOpenByUID(ctx context.Context, uid string, limit int) ([]model.ActionItem, error) {
	var items []model.ActionItem
	err := r.db.SelectContext(ctx, &items, `
		SELECT * FROM action_items
		WHERE uid = $1 AND NOT completed
		ORDER BY due_at ASC NULLS LAST, created_at DESC
		LIMIT $2
	`, uid, limit)
	return items, err
}

func (r *actionItemRepo) Update(ctx context.Context, item *model.ActionItem) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE action_items SET
			description = $3,
			completed = $4,
			completed_at = $5,
			due_at = $6,
			updated_at = $7
		WHERE uid = $1 AND id = $2
	`, item.UID, item.ID, item.Description, item.Completed, item.CompletedAt, item.DueAt, item.UpdatedAt)
	return err
}
