package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tiancaiamao/shellbuddy/pkg/auth"
)

type tokenOptions struct {
	userID string
	chatID string
	ttl    time.Duration
	secret string
}

func newTokenCmd(root *rootOptions) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a chat token signed with the server secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if opts.secret == "" {
				opts.secret = cfg.Server.JWTSecret
			}
			if opts.ttl <= 0 {
				opts.ttl = cfg.Server.TokenTTL.Duration
			}
			token, err := issueToken(opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user", "", "user id (random when empty)")
	cmd.Flags().StringVar(&opts.chatID, "chat", "", "chat id (random when empty)")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 0, "token lifetime (default server.tokenTTL)")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "signing secret (default server.jwtSecret)")
	return cmd
}

func issueToken(opts *tokenOptions) (string, error) {
	issuer, err := auth.NewIssuer(opts.secret)
	if err != nil {
		return "", err
	}
	claims := auth.ChatClaims{UserID: opts.userID, ChatID: opts.chatID}
	if claims.UserID == "" {
		claims.UserID = uuid.NewString()
	}
	if claims.ChatID == "" {
		claims.ChatID = uuid.NewString()
	}
	return issuer.Issue(claims, opts.ttl)
}
