// proxyns manages proxy profiles and the network namespaces that route applications through them.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/proxyns/proxyns/configuration"
	"github.com/proxyns/proxyns/diagnostics"
	"github.com/proxyns/proxyns/environment"
	"github.com/proxyns/proxyns/log"
	"github.com/proxyns/proxyns/metrics"
	"github.com/proxyns/proxyns/platform"
	"github.com/proxyns/proxyns/profile"
	"github.com/proxyns/proxyns/session"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	utilexec "k8s.io/utils/exec"
)

const (
	flagConfig        = "config"
	flagLogLevel      = "log-level"
	flagPasswordStdin = "password-stdin"

	// configKeyAnnotation marks a flag as an override of a configuration key.
	configKeyAnnotation = "proxyns/config-key"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(utilexec.New())
	if err := a.execute(ctx, a.rootCmd()); err != nil {
		stop()
		os.Exit(1)
	}
}

// app is everything a command needs, built once the configuration is known.
type app struct {
	v          *viper.Viper
	exec       utilexec.Interface
	config     *configuration.Config
	logger     *zap.Logger
	gateway    *platform.ExecGateway
	credential *platform.Credential

	profiles    *profile.Store
	sessions    *session.Controller
	probe       *diagnostics.Probe
	environment *environment.Reconciler
}

func newApp(exec utilexec.Interface) *app {
	return &app{v: viper.New(), exec: exec}
}

// execute runs root and releases the credential and flushes the logger whatever the command returned.
func (a *app) execute(ctx context.Context, root *cobra.Command) error {
	defer a.close()
	return root.ExecuteContext(ctx)
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "proxyns",
		Short:        "Route applications through proxy profiles inside network namespaces",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String(flagConfig, "", "path to the proxyns configuration file")
	flags.String(flagLogLevel, "", "log level (debug, info, warn, error)")
	flags.Bool(flagPasswordStdin, false, "read the sudo password from stdin and run privileged operations with it")
	annotateConfigKey(flags, flagLogLevel, "log_level")

	rootCmd.AddCommand(
		newProfileCmd(a),
		newSessionCmd(a),
		newProbeCmd(a),
		newEnvCmd(a),
		newServeCmd(a),
	)
	return rootCmd
}

func annotateConfigKey(flags *pflag.FlagSet, name, key string) {
	cobra.CheckErr(flags.SetAnnotation(name, configKeyAnnotation, []string{key}))
}

// initCommandFlags binds every flag annotated with a configuration key to that key, so an explicit flag beats the
// config file and the environment.
func initCommandFlags(v *viper.Viper, commands []*cobra.Command) error {
	for _, cmd := range commands {
		var bindErr error
		visit := func(flag *pflag.Flag) {
			keys := flag.Annotations[configKeyAnnotation]
			if len(keys) == 0 || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(keys[0], flag)
		}
		cmd.PersistentFlags().VisitAll(visit)
		cmd.Flags().VisitAll(visit)
		if bindErr != nil {
			return errors.Wrapf(bindErr, "failed to bind flags of %s", cmd.Name())
		}

		// call recursively on subcommands
		if cmd.HasSubCommands() {
			if err := initCommandFlags(v, cmd.Commands()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *app) init(cmd *cobra.Command) error {
	root := cmd.Root()
	if err := initCommandFlags(a.v, []*cobra.Command{root}); err != nil {
		return err
	}
	configPath, _ := root.PersistentFlags().GetString(flagConfig)
	config, err := configuration.ReadConfigWith(a.v, configPath)
	if err != nil {
		return err
	}
	a.config = config

	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		return err
	}
	a.logger = log.Initialize(cmd.Context(), &log.Config{Level: level, LogPath: config.LogPath})
	metrics.InitializeAll()

	a.gateway, err = platform.NewExecGateway(a.exec, platform.ExecConfig{
		Shell:           config.Shell,
		SudoPath:        config.SudoPath,
		DefinitionsPath: config.DefinitionsPath,
	}, a.logger)
	if err != nil {
		return err
	}

	var gw platform.Gateway = a.gateway
	if usePassword, _ := root.PersistentFlags().GetBool(flagPasswordStdin); usePassword {
		if a.credential, err = readCredential(cmd.InOrStdin()); err != nil {
			return err
		}
		gw = a.gateway.WithCredential(a.credential)
	}

	a.profiles = profile.NewStore(config.ProfilesDir, a.logger)
	a.sessions = session.NewController(gw, session.NewRecordStore(config.SessionsDir()), session.Options{
		RollbackOnLaunchFailure: config.RollbackOnLaunchFailure,
		ActiveCacheTTL:          config.ActiveCacheTTL,
	}, a.logger)
	a.probe = diagnostics.NewProbe(a.gateway, config.Dependencies, a.logger)
	a.environment = environment.NewReconciler(gw, config.EnvironmentPath(), a.logger)
	return nil
}

func (a *app) close() {
	if a.credential != nil {
		a.credential.Release()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// readCredential reads one line from r as the sudo password.
func readCredential(r io.Reader) (*platform.Credential, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to read password from stdin")
	}
	return platform.AcquireCredential([]byte(strings.TrimRight(line, "\r\n")))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "failed to write output")
}
