package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/omi/listen-server/internal/database"
	"github.com/omi/listen-server/internal/model"
)

type TokenRepository interface {
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.APIToken, error)
	Create(ctx context.Context, tokenHash, uid string) error
	RevokeByUID(ctx context.Context, uid string) (int64, error)
}

type tokenRepo struct {
	db database.DBTX
}

func NewTokenRepository(db *sqlx.DB) TokenRepository {
	return &tokenRepo{db: db}
}

func (r *tokenRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.APIToken, error) {
	var token model.APIToken
	err := r.db.GetContext(ctx, &token, `
		SELECT token_hash, uid FROM api_tokens
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, tokenHash)
	return HandleNotFound(&token, err)
}

func (r *tokenRepo) Create(ctx context.Context, tokenHash, uid string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_tokens (token_hash, uid) VALUES ($1, $2)
	`, tokenHash, uid)
	return err
}

func (r *tokenRepo) RevokeByUID(ctx context.Context, uid string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE api_tokens SET revoked_at = NOW() WHERE uid = $1 AND revoked_at IS NULL
	`, uid)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
