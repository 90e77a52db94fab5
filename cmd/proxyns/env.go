package main

import (
	"github.com/proxyns/proxyns/environment"
	"github.com/spf13/cobra"
)

func newEnvCmd(a *app) *cobra.Command {
	envCmd := &cobra.Command{
		Use:   "env",
		Short: "desktop session environment used by privileged operations",
	}
	envCmd.AddCommand(
		&cobra.Command{
			Use:   "reconstruct",
			Short: "captures the invoking desktop session and stores it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				snapshot, err := a.environment.Reconstruct(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, snapshot)
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "prints the stored desktop session",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				snapshot, err := environment.Load(a.environment.Path())
				if err != nil {
					return err
				}
				return printJSON(cmd, snapshot)
			},
		},
	)
	return envCmd
}
