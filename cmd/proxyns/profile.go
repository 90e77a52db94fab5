package main

import (
	"github.com/proxyns/proxyns/profile"
	"github.com/spf13/cobra"
)

func newProfileCmd(a *app) *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "manage proxy profiles",
	}
	profileCmd.AddCommand(
		newProfileListCmd(a),
		newProfileShowCmd(a),
		newProfileSaveCmd(a),
		newProfileDeleteCmd(a),
		newProfileWatchCmd(a),
	)
	return profileCmd
}

func newProfileListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "lists every readable profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := a.profiles.List()
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		},
	}
}

func newProfileShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "prints one profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, path, err := a.profiles.Fetch(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, profile.Entry{Name: args[0], Filename: profile.FileName(args[0]), Path: path, Descriptor: d})
		},
	}
}

func newProfileSaveCmd(a *app) *cobra.Command {
	var d profile.Descriptor
	var proto string
	saveCmd := &cobra.Command{
		Use:   "save NAME",
		Short: "creates or overwrites a profile; empty wiring fields get their defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d.Protocol = profile.Protocol(proto)
			path, err := a.profiles.Save(args[0], d)
			if err != nil {
				return err
			}
			return printJSON(cmd, profile.Entry{Name: args[0], Filename: profile.FileName(args[0]), Path: path, Descriptor: d.WithDefaults()})
		},
	}

	flags := saveCmd.Flags()
	flags.StringVar(&proto, "protocol", "", "socks5, socks4, http, shadowsocks, relay, direct or reject")
	flags.StringVar(&d.Address, "address", "", "proxy host name or address")
	flags.StringVar(&d.Port, "port", "", "proxy port")
	flags.StringVar(&d.NamespaceName, "namespace", "", "network namespace name (default "+profile.DefaultNamespace+")")
	flags.StringVar(&d.TunInterface, "tun-interface", "", "tun interface inside the namespace")
	flags.StringVar(&d.TunAddress, "tun-address", "", "tun interface address")
	flags.StringVar(&d.VethHostName, "veth-host-name", "", "host side veth name")
	flags.StringVar(&d.VethNamespaceName, "veth-namespace-name", "", "namespace side veth name")
	flags.StringVar(&d.VethHostAddress, "veth-host-address", "", "host side veth address")
	flags.StringVar(&d.VethNamespaceAddress, "veth-namespace-address", "", "namespace side veth address")
	flags.StringVar(&d.DNS, "dns", "", "resolver used inside the namespace")
	flags.StringVar(&d.Username, "username", "", "proxy user name")
	flags.StringVar(&d.Password, "password", "", "proxy password")
	flags.StringVar(&d.RunCommand, "run-command", "", "command run by 'session run' when none is given")
	cobra.CheckErr(saveCmd.MarkFlagRequired("protocol"))
	return saveCmd
}

func newProfileDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "removes a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path, err := a.profiles.Path(args[0])
			if err != nil {
				return err
			}
			return a.profiles.Delete(path)
		},
	}
}

func newProfileWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "prints profile changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var printErr error
			err := a.profiles.Watch(cmd.Context(), func(e profile.Event) {
				if printErr == nil {
					printErr = printJSON(cmd, e)
				}
			})
			if printErr != nil {
				return printErr
			}
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
}
