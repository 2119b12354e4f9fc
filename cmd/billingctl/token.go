package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	pkgAuth "github.com/angelmondragon/billing-reconciler/pkg/auth"
)

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer tokens for local testing",
	}
	cmd.AddCommand(newTokenMintCmd(a))
	return cmd
}

func newTokenMintCmd(a *app) *cobra.Command {
	var (
		userID, role, email string
		minutes             int
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint an access token signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid --user %q: %w", userID, err)
			}
			parsedRole, err := pkgAuth.ParseRole(role)
			if err != nil {
				return err
			}
			cfg, _, err := a.config()
			if err != nil {
				return err
			}
			jwtCfg := cfg.JWT
			if minutes > 0 {
				jwtCfg.ExpirationMinutes = minutes
			}
			token, err := pkgAuth.MintAccessToken(jwtCfg, time.Now(), pkgAuth.AccessTokenPayload{
				UserID: id,
				Email:  email,
				Role:   parsedRole,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (uuid)")
	cmd.Flags().StringVar(&role, "role", string(pkgAuth.RoleUser), "user or admin")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "lifetime override in minutes")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
