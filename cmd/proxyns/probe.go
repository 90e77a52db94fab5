package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/proxyns/proxyns/diagnostics"
	"github.com/spf13/cobra"
)

var ErrUnsatisfiedDependencies = errors.New("required tools are missing or too old")

// depsReport is the output of probe deps.
type depsReport struct {
	Definitions  string                   `json:"definitions"`
	Dependencies []diagnostics.Dependency `json:"dependencies"`
}

func newProbeCmd(a *app) *cobra.Command {
	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "reachability and host dependency checks",
	}
	probeCmd.AddCommand(newPingCmd(a), newPortCmd(a), newDepsCmd(a))
	return probeCmd
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping ADDRESS",
		Short: "prints the average round trip time to a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			latency, err := a.probe.Ping(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), latency)
			return nil
		},
	}
}

func newPortCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "port ADDRESS PORT",
		Short: "checks whether a port is open on a host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := a.probe.Port(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newDepsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "checks the host tools proxyns relies on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := a.probe.Dependencies(cmd.Context())
			if err != nil {
				return err
			}
			report := depsReport{Definitions: a.gateway.DefinitionsPath(), Dependencies: deps}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if names := unsatisfied(deps); len(names) > 0 {
				return errors.Wrapf(ErrUnsatisfiedDependencies, "%v", names)
			}
			return nil
		},
	}
}

func unsatisfied(deps []diagnostics.Dependency) []string {
	var names []string
	for _, dep := range deps {
		if dep.Minimum != "" && !dep.Satisfied {
			names = append(names, dep.Name)
		}
	}
	return names
}
