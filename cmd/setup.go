package main

import (
	"github.com/spf13/cobra"
	"github.com/vadiminshakov/orbital/internal/setup"
)

func newSetupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive wizard that writes the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunTUI(opts.configPath)
		},
	}
}
