// Package app wires configuration, logging, telemetry and the model registry
// into the fms command tree.
package app

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Zephyr271828/foundation-model-stack/internal/config"
	"github.com/Zephyr271828/foundation-model-stack/internal/hub"
	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	fms "github.com/Zephyr271828/foundation-model-stack/models"
)

// App holds the state shared by every command of one invocation.
type App struct {
	version string
	flags   globalFlags

	out    io.Writer
	errOut io.Writer

	config   *config.Config
	logger   zerolog.Logger
	format   outputFormat
	registry *models.Registry
	resolver *models.Resolver

	shutdown []func(context.Context) error
}

type globalFlags struct {
	configFile   string
	logLevel     string
	verbose      bool
	trace        bool
	metricsAddr  string
	variantsFile string
	cacheDir     string
	output       string
}

// Option customizes an App.
type Option func(*App)

// WithOutput sends command output to out and logs to errOut.
func WithOutput(out, errOut io.Writer) Option {
	return func(a *App) {
		a.out = out
		a.errOut = errOut
	}
}

// New returns an App. Configuration is read when a command runs.
func New(version string, opts ...Option) *App {
	a := &App{
		version: version,
		out:     os.Stdout,
		errOut:  os.Stderr,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Logger returns the configured logger, or a no-op logger before setup.
func (a *App) Logger() *zerolog.Logger { return &a.logger }

// Execute runs the command tree with args.
func (a *App) Execute(ctx context.Context, args []string) error {
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	return root.ExecuteContext(ctx)
}

// Shutdown flushes the tracer and stops the metrics server.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, a.shutdown[i](ctx))
	}
	a.shutdown = nil
	return errors.Join(errs...)
}

func (a *App) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:               "fms",
		Short:             "Model registry and checkpoint loader",
		Version:           a.version,
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	root.SetVersionTemplate("fms {{.Version}}\n")

	f := root.PersistentFlags()
	f.StringVar(&a.flags.configFile, "config", "", "config file (default is $HOME/.fms.yaml or ./.fms.yaml)")
	f.StringVar(&a.flags.logLevel, "log-level", "", "log level: trace, debug, info, warn, error (overrides -v)")
	f.BoolVarP(&a.flags.verbose, "verbose", "v", false, "verbose output (shortcut for --log-level=debug)")
	f.BoolVar(&a.flags.trace, "trace", false, "print OpenTelemetry spans to stderr")
	f.StringVar(&a.flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&a.flags.variantsFile, "variants-file", "", "YAML file of derived variants to register")
	f.StringVar(&a.flags.cacheDir, "cache-dir", "", "hub cache directory")
	f.StringVarP(&a.flags.output, "output", "o", "table", "output format: table, json, yaml")

	root.AddCommand(
		a.newListCommand(),
		a.newVariantsCommand(),
		a.newSourcesCommand(),
		a.newInspectCommand(),
		a.newSaveCommand(),
		a.newKeysCommand(),
		a.newVerifyCommand(),
		a.newVersionCommand(),
	)
	return root
}

// setup runs before every command.
func (a *App) setup(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.flags.configFile)
	if err != nil {
		return err
	}
	if a.flags.cacheDir != "" {
		cfg.Hub.CacheDir = a.flags.cacheDir
	}
	if a.flags.variantsFile != "" {
		cfg.VariantsFile = a.flags.variantsFile
	}
	a.config = cfg

	if a.format, err = parseOutputFormat(a.flags.output); err != nil {
		return err
	}
	a.logger = newLogger(a.errOut, logLevel(a.flags, cfg), cfg.LogFormat)
	if cfg.ConfigFile != "" {
		a.logger.Debug().Str("file", cfg.ConfigFile).Msg("config loaded")
	}

	if a.flags.trace {
		shutdown, err := setupTracing(a.errOut)
		if err != nil {
			return err
		}
		a.shutdown = append(a.shutdown, shutdown)
	}
	if a.flags.metricsAddr != "" {
		shutdown, err := serveMetrics(a.flags.metricsAddr, a.logger)
		if err != nil {
			return err
		}
		a.shutdown = append(a.shutdown, shutdown)
	}

	a.registry = models.NewRegistry()
	if err := fms.RegisterBuiltins(a.registry); err != nil {
		return err
	}
	if cfg.VariantsFile != "" {
		vs, err := config.LoadVariants(cfg.VariantsFile)
		if err != nil {
			return err
		}
		if err := vs.Register(a.registry); err != nil {
			return err
		}
		a.logger.Debug().Str("file", cfg.VariantsFile).Int("architectures", len(vs)).Msg("variants registered")
	}

	hubOpts := append(cfg.HubOptions(), hub.WithLogger(a.logger))
	a.resolver = &models.Resolver{
		Registry: a.registry,
		Hub:      hub.NewClient(hubOpts...),
		Logger:   &a.logger,
	}
	return nil
}
