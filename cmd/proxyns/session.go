package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/proxyns/proxyns/session"
	"github.com/spf13/cobra"
)

func newSessionCmd(a *app) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "create, use and tear down profile namespaces",
	}
	sessionCmd.AddCommand(
		newSessionUpCmd(a),
		newSessionRunCmd(a),
		newSessionDownCmd(a),
		newSessionActiveCmd(a),
		newSessionStatusCmd(a),
		newSessionListCmd(a),
	)
	return sessionCmd
}

func newSessionUpCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "up PROFILE",
		Short: "creates the namespace of a profile and launches its tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, path, err := a.profiles.Fetch(args[0])
			if err != nil {
				return err
			}
			rec, err := a.sessions.Setup(cmd.Context(), path, d)
			if err != nil {
				if a.sessions.State(d.WithDefaults().NamespaceName) == session.NamespaceReady {
					return errors.Wrapf(err, "namespace left standing, remove it with 'proxyns session down %s --force'", args[0])
				}
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

func newSessionRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run PROFILE [-- COMMAND...]",
		Short: "runs a command inside the namespace of a profile",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := a.profiles.Fetch(args[0])
			if err != nil {
				return err
			}
			res, err := a.sessions.Run(cmd.Context(), d, strings.Join(args[1:], " "))
			if res != nil {
				fmt.Fprint(cmd.OutOrStdout(), string(res.Stdout))
				fmt.Fprint(cmd.ErrOrStderr(), string(res.Stderr))
			}
			return err
		},
	}
}

func newSessionDownCmd(a *app) *cobra.Command {
	var pid, pidFile string
	var force bool
	downCmd := &cobra.Command{
		Use:   "down PROFILE",
		Short: "tears down the namespace of a profile and stops its tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := a.profiles.Fetch(args[0])
			if err != nil {
				return err
			}
			if pid != "" && pidFile != "" {
				return errors.New("--pid and --pid-file are mutually exclusive")
			}
			if pidFile != "" {
				if pid, err = session.ReadPIDFile(pidFile); err != nil {
					return err
				}
			}
			if pid != "" || force {
				return a.sessions.Cleanup(cmd.Context(), d, pid)
			}
			return a.sessions.Teardown(cmd.Context(), d)
		},
	}
	downCmd.Flags().StringVar(&pid, "pid", "", "tunnel pid to stop instead of the recorded one")
	downCmd.Flags().StringVar(&pidFile, "pid-file", "", "file holding the tunnel pid, bare or as a session record")
	downCmd.Flags().BoolVar(&force, "force", false, "tear down even without a recorded tunnel pid")
	return downCmd
}

func newSessionActiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "lists live namespaces and their processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			namespaces, err := a.sessions.Active(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, namespaces)
		},
	}
}

func newSessionStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status PROFILE",
		Short: "prints the session record of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := a.profiles.Fetch(args[0])
			if err != nil {
				return err
			}
			rec, err := a.sessions.Record(d.WithDefaults().NamespaceName)
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

func newSessionListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "lists recorded sessions and their states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := a.sessions.Sessions()
			if err != nil {
				return err
			}
			return printJSON(cmd, sessions)
		},
	}
}
