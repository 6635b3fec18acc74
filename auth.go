package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrisonrobin/tasksync/pkg/auth"
	"github.com/harrisonrobin/tasksync/pkg/config"
)

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorise tasksync against Google Calendar",
		Long: `Run the OAuth flow in the browser and store the token.

The client secrets must be saved as credentials.json in the config directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			a := auth.New(dir, commandLogger(cmd))
			return a.Login(cmd.Context(), func(url string) {
				fmt.Fprintf(out, "Open this link in your browser to authorise tasksync:\n\n%s\n\n", url)
			})
		},
	}
}
