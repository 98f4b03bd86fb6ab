package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omi/listen-server/internal/audit"
	"github.com/omi/listen-server/internal/repository"
	"github.com/omi/listen-server/internal/util"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and revoke API tokens",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "issue <uid>",
		Short: "Issue a bearer token for a user and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(cmd.Context(), func(ctx context.Context, tokens repository.TokenRepository) error {
				token, err := util.GenerateToken()
				if err != nil {
					return fmt.Errorf("generate token: %w", err)
				}
				if err := tokens.Create(ctx, util.HashToken(token), args[0]); err != nil {
					return fmt.Errorf("store token: %w", err)
				}
				audit.Log(ctx, audit.Event{
					Type:    audit.EventTokenIssue,
					UserID:  args[0],
					Details: map[string]interface{}{"token": util.MaskToken(token)},
				})
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <uid>",
		Short: "Revoke every token of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(cmd.Context(), func(ctx context.Context, tokens repository.TokenRepository) error {
				n, err := tokens.RevokeByUID(ctx, args[0])
				if err != nil {
					return fmt.Errorf("revoke tokens: %w", err)
				}
				audit.Log(ctx, audit.Event{
					Type:    audit.EventTokenRevoke,
					UserID:  args[0],
					Details: map[string]interface{}{"count": n},
				})
				log.Info().Str("uid", args[0]).Int64("count", n).Msg("tokens revoked")
				return nil
			})
		},
	})
	return cmd
}

func withTokens(ctx context.Context, fn func(context.Context, repository.TokenRepository) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, repository.NewTokenRepository(db.DB))
}
