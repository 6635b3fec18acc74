package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrisonrobin/tasksync/pkg/config"
)

func newSetCalendarCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-calendar NAME",
		Short: "Persist the default calendar name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				return err
			}
			cfg.Calendar = args[0]
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default calendar set to: %s\n", cfg.Calendar)
			return nil
		},
	}
}
