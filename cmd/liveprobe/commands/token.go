package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/liveprobe/liveprobe/pkg/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token",
		Long: `Issue a JWT signed with the configured auth secret.

Roles:
  admin      every operation, may also connect agents
  developer  add, remove and view instruments
  viewer     view instruments
  agent      connect to the bridge only`,
		Example: `  # Token for an agent
  liveprobe token --subject probe-1 --role agent

  # Short-lived developer token
  liveprobe token --subject alice --role developer --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r := auth.Role(role)
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			mgr, err := auth.NewJWTManager(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			token, expires, err := mgr.IssueToken(subject, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleDeveloper), "token role")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
