package main

import (
	"github.com/proxyns/proxyns/apiserver"
	"github.com/proxyns/proxyns/platform"
	"github.com/proxyns/proxyns/profile"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(a *app) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "serves the proxyns HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			server := apiserver.New(apiserver.Services{
				Profiles:    a.profiles,
				Sessions:    a.sessions,
				Probe:       a.probe,
				Environment: a.environment,
				Elevate: func(cred *platform.Credential) platform.Gateway {
					return a.gateway.WithCredential(cred)
				},
			}, a.logger)

			go func() {
				err := a.profiles.Watch(ctx, func(e profile.Event) {
					a.logger.Info("profile changed", zap.String("kind", string(e.Kind)), zap.String("name", e.Name))
				})
				if ctx.Err() == nil {
					a.logger.Error("profile watch stopped", zap.Error(err))
				}
			}()

			return server.Start(ctx, a.config.APIAddress)
		},
	}
	serveCmd.Flags().String("api-address", "", "address the API listens on")
	annotateConfigKey(serveCmd.Flags(), "api-address", "api_address")
	return serveCmd
}
