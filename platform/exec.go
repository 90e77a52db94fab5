package platform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/proxyns/proxyns/metrics"
	"go.uber.org/zap"
	utilexec "k8s.io/utils/exec"
)

var operationName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ExecConfig selects the runtime used to evaluate operation definitions.
type ExecConfig struct {
	// Shell runs the definitions file. Defaults to bash.
	Shell string
	// SudoPath is used for invocations made with a Credential. Defaults to sudo.
	SudoPath string
	// DefinitionsPath overrides the definitions file beside the binary.
	DefinitionsPath string
}

// ExecGateway runs operations as shell functions sourced from the definitions file, in strict mode.
type ExecGateway struct {
	exec        utilexec.Interface
	shell       string
	sudo        string
	definitions string
	credential  *Credential
	logger      *zap.Logger
}

var _ Gateway = &ExecGateway{}

func NewExecGateway(exec utilexec.Interface, cfg ExecConfig, logger *zap.Logger) (*ExecGateway, error) {
	definitions := cfg.DefinitionsPath
	if definitions == "" {
		var err error
		if definitions, err = DefaultDefinitionsPath(); err != nil {
			return nil, err
		}
	}
	shell := cfg.Shell
	if shell == "" {
		shell = "bash"
	}
	sudo := cfg.SudoPath
	if sudo == "" {
		sudo = "sudo"
	}
	return &ExecGateway{
		exec:        exec,
		shell:       shell,
		sudo:        sudo,
		definitions: definitions,
		logger:      logger.With(zap.String("component", "gateway")),
	}, nil
}

// DefinitionsPath is the resolved operation definitions file.
func (g *ExecGateway) DefinitionsPath() string {
	return g.definitions
}

// WithCredential returns a gateway that runs every operation elevated with c.
func (g *ExecGateway) WithCredential(c *Credential) *ExecGateway {
	elevated := *g
	elevated.credential = c
	return &elevated
}

// quote wraps s in single quotes so the shell treats it as one literal word.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (g *ExecGateway) command(operation string, args []string) (string, []string) {
	script := fmt.Sprintf("set -euo pipefail; source %s && %s \"$@\"", quote(g.definitions), operation)
	// "--" becomes $0, so args land in $1.. untouched by the shell.
	argv := append([]string{"-c", script, "--"}, args...)
	if g.credential == nil {
		return g.shell, argv
	}
	return g.sudo, append([]string{"-S", "-p", "", "--", g.shell}, argv...)
}

// Invoke runs operation and blocks until it exits. If ctx ends first Invoke returns an *AbandonedError; the process
// is not killed, its eventual exit is logged and closes the error's Done channel.
func (g *ExecGateway) Invoke(ctx context.Context, operation string, args ...string) (*ExecResult, error) {
	if !operationName.MatchString(operation) {
		return nil, errors.Wrapf(ErrInvalidOperation, "%q", operation)
	}
	if _, err := os.Stat(g.definitions); err != nil {
		metrics.RecordInvocation(operation, metrics.OutcomeSpawn)
		return nil, errors.Wrapf(ErrSpawn, "operation definitions %s: %v", g.definitions, err)
	}

	var secret []byte
	if g.credential != nil {
		var err error
		if secret, err = g.credential.reveal(); err != nil {
			return nil, errors.Wrapf(err, "failed to run %s", operation)
		}
	}

	logger := g.logger.With(
		zap.String("operation", operation),
		zap.Int("args", len(args)),
		zap.String("invocation", uuid.NewString()),
		zap.Bool("elevated", g.credential != nil),
	)

	name, argv := g.command(operation, args)
	cmd := g.exec.Command(name, argv...)
	var stdout, stderr bytes.Buffer
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)
	if secret != nil {
		cmd.SetStdin(bytes.NewReader(append(secret, '\n')))
	}

	timer := metrics.StartNewTimer()
	logger.Debug("invoking operation")
	done := make(chan error, 1)
	go func() {
		done <- cmd.Run()
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		metrics.RecordInvocation(operation, metrics.OutcomeAbandoned)
		logger.Warn("caller stopped waiting, operation left running", zap.Error(ctx.Err()))
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			err := <-done
			logger.Info("abandoned operation finished", zap.Duration("duration", timer.Elapsed()), zap.Error(err))
		}()
		return nil, &AbandonedError{Operation: operation, Done: finished, cause: ctx.Err()}
	}

	result := &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if runErr != nil {
		var exitErr utilexec.ExitError
		if !errors.As(runErr, &exitErr) {
			timer.StopAndRecordExecTime(operation, true)
			metrics.RecordInvocation(operation, metrics.OutcomeSpawn)
			logger.Error("failed to start operation", zap.Error(runErr))
			return nil, errors.Wrapf(ErrSpawn, "%s: %v", name, runErr)
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	timer.StopAndRecordExecTime(operation, !result.Success())
	if result.Success() {
		metrics.RecordInvocation(operation, metrics.OutcomeSuccess)
		logger.Info("operation finished", zap.Duration("duration", timer.Elapsed()))
	} else {
		metrics.RecordInvocation(operation, metrics.OutcomeNonZero)
		logger.Warn("operation failed",
			zap.Int("exitCode", result.ExitCode),
			zap.Duration("duration", timer.Elapsed()),
			zap.String("stderr", strings.TrimSpace(stderr.String())))
	}
	return result, nil
}
