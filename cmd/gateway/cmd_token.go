package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convogate/gateway/internal/infrastructure/auth"
)

// newTokenCmd issues a web API token, handy for local testing without the
// upstream identity provider.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "为用户签发 Web API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, true)
			if err != nil {
				return err
			}
			svc, err := auth.NewJWTService(&rt.cfg.Auth)
			if err != nil {
				return err
			}

			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, err := svc.Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", auth.DefaultTokenTTL, "token 有效期")
	return cmd
}
