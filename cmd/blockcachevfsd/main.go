// Command blockcachevfsd manages block-cached database containers in an
// object store: it creates and destroys containers, uploads and downloads
// databases, inspects manifests and cleans the local block cache.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/objectfs/blockvfs/internal/config"
	"github.com/objectfs/blockvfs/internal/credentials"
	"github.com/objectfs/blockvfs/internal/daemon"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/types"
	"github.com/objectfs/blockvfs/pkg/utils"
)

// globals holds the persistent flags shared by every verb.
type globals struct {
	configFile string
	module     string
	user       string
	auth       string
	cacheDir   string
	localRoot  string
	logLevel   string
	verbose    int

	cfg    *config.Configuration
	logger zerolog.Logger
	closer io.Closer
}

func main() {
	g := &globals{logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:           "blockcachevfsd",
		Short:         "Sync coordinator for block-cached databases in object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		// hide the default "completion" subcommand
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if g.closer != nil {
				g.closer.Close()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&g.configFile, "config", os.Getenv("BLOCKVFS_CONFIG"), "YAML configuration file")
	flags.StringVar(&g.module, "module", "", "Object store module: google, s3 or local")
	flags.StringVar(&g.user, "user", "", "Account (project, access key id) to act as")
	flags.StringVar(&g.auth, "auth", "", "Token (or secret key) for --user")
	flags.StringVar(&g.cacheDir, "cache-dir", "", "Local block cache directory")
	flags.StringVar(&g.localRoot, "local-root", "", "Root directory of the local module")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level, overrides -v")
	flags.CountVarP(&g.verbose, "verbose", "v", "Increase verbosity (repeatable)")

	rootCmd.AddCommand(
		createEntrypoint(g),
		destroyEntrypoint(g),
		uploadEntrypoint(g),
		downloadEntrypoint(g),
		listEntrypoint(g),
		manifestEntrypoint(g),
		cleanEntrypoint(g),
		queryEntrypoint(g),
		serveEntrypoint(g),
		configEntrypoint(g),
		versionEntrypoint(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "blockcachevfsd: %v\n", err)
		if bvErr, ok := bverrors.As(err); ok {
			if rec := bvErr.GetRecommendation(); rec != "" {
				fmt.Fprintf(os.Stderr, "hint: %s\n", rec)
			}
		}
		code := bverrors.ExitCode(err)
		if isUsageError(err) {
			code = 2
		}
		os.Exit(code)
	}
}

// setup loads the configuration, applies the flags and configures logging.
func (g *globals) setup() error {
	cfg := config.NewDefault()
	if g.configFile != "" {
		if err := cfg.LoadFromFile(g.configFile); err != nil {
			return bverrors.Wrap(err, bverrors.ErrCodeInvalidConfig, "failed to load configuration").
				WithDetail("file", g.configFile)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeInvalidConfig, "failed to read environment")
	}

	if g.module != "" {
		cfg.Storage.Module = g.module
	}
	if g.user != "" {
		cfg.Credentials.Account = g.user
	}
	if g.auth != "" {
		cfg.Credentials.Token = g.auth
	}
	if g.cacheDir != "" {
		cfg.Cache.Directory = g.cacheDir
	}
	if g.localRoot != "" {
		cfg.Storage.LocalRoot = g.localRoot
	}
	if g.logLevel != "" {
		cfg.Global.LogLevel = g.logLevel
	}
	if g.verbose > cfg.Global.Verbosity {
		cfg.Global.Verbosity = g.verbose
	}

	if err := cfg.Validate(); err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeInvalidConfig, "invalid configuration")
	}

	logger, closer, err := utils.SetupLogging(utils.LoggingOptions{
		Level:     cfg.Global.LogLevel,
		Verbosity: cfg.Global.Verbosity,
		Pretty:    cfg.Global.LogPretty,
		File:      cfg.Global.LogFile,
	})
	if err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeInvalidConfig, "failed to set up logging")
	}
	g.cfg, g.logger, g.closer = cfg, logger, closer
	return nil
}

// coordinator builds the session and the coordinator for one verb.
func (g *globals) coordinator(ctx context.Context, metrics types.MetricsCollector) (*daemon.Coordinator, error) {
	session, err := credentials.FromConfig(ctx, g.cfg, g.logger)
	if err != nil {
		return nil, err
	}
	return daemon.New(daemon.Options{
		Config:  g.cfg,
		Session: session,
		Metrics: metrics,
		Logger:  g.logger,
	})
}

// withCoordinator runs fn with a coordinator whose context is cancelled on
// SIGINT or SIGTERM.
func (g *globals) withCoordinator(fn func(ctx context.Context, c *daemon.Coordinator) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := g.coordinator(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			g.logger.Warn().Err(err).Msg("failed to close coordinator")
		}
	}()
	return fn(ctx, c)
}

func isUsageError(err error) bool {
	// cobra reports argument and flag problems as plain errors
	for _, prefix := range []string{"unknown command", "unknown flag", "unknown shorthand", "accepts ", "requires ", "invalid argument"} {
		if strings.HasPrefix(err.Error(), prefix) {
			return true
		}
	}
	return false
}
