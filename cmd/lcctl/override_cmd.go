package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/kase1111-hash/learning-contracts/pkg/config"
	"github.com/kase1111-hash/learning-contracts/pkg/override"
)

func (c *cli) overrideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Emergency override status and confirmation tokens",
		Long: `The emergency override blocks every enforcement hook. It is engaged for a
process by setting override.engaged and override.reason (LC_OVERRIDE_ENGAGED,
LC_OVERRIDE_REASON). Disabling a running override can require a confirmation
token signed with override.jwt_secret.`,
	}
	cmd.AddCommand(c.overrideStatusCmd(), c.overrideTokenCmd())
	return cmd
}

func (c *cli) overrideStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the override state of this configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(_ context.Context, a *app) error {
				return writeJSON(c.stdout, a.overrides.Status())
			})
		},
	}
}

func (c *cli) overrideTokenCmd() *cobra.Command {
	var actor string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed confirmation token for disabling the override",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if actor == "" {
				return usagef("--actor is required")
			}
			if ttl <= 0 {
				return usagef("--ttl must be positive")
			}
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			if cfg.Override.JWTSecret == "" {
				return usagef("override.jwt_secret is not configured")
			}

			now := time.Now()
			token, err := override.SignConfirmation([]byte(cfg.Override.JWTSecret), cfg.Override.JWTIssuer, actor,
				jwt.RegisteredClaims{
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.stdout, token)
			return err
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "operator who will disable the override")
	cmd.Flags().DurationVar(&ttl, "ttl", 10*time.Minute, "token lifetime")
	return cmd
}
