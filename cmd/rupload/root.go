package main

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-resumable/session"
	"github.com/bitrise-io/go-resumable/stepconf"
	"github.com/bitrise-io/go-resumable/upload"
	"github.com/bitrise-io/go-resumable/upload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/spf13/cobra"
)

// envConfig holds the defaults read from the environment. Flags take precedence.
type envConfig struct {
	URL       string          `env:"RUPLOAD_URL"`
	Token     stepconf.Secret `env:"RUPLOAD_TOKEN"`
	ChunkSize string          `env:"RUPLOAD_CHUNK_SIZE"`
	MIMEType  string          `env:"RUPLOAD_MIME_TYPE"`
	SessionDB string          `env:"RUPLOAD_SESSION_DB"`
	Verbose   bool            `env:"RUPLOAD_VERBOSE"`
}

type options struct {
	url       string
	token     string
	chunkSize string
	mimeType  string
	glob      string
	zstd      bool
	zstdLevel int
	sessionDB string
	verbose   bool
}

type app struct {
	env          stepconf.EnvGetter
	logger       log.Logger
	pathModifier pathutil.PathModifier
	opts         options
	// doer is shared by all uploads of a run, created on first use.
	doer transport.Doer
}

func newApp(envGetter stepconf.EnvGetter, logger log.Logger) *app {
	return &app{
		env:          envGetter,
		logger:       logger,
		pathModifier: pathutil.NewPathModifier(),
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "rupload",
		Short: "Resumable chunked uploads",
		Long: `rupload sends files to resumable upload endpoints in range-addressed chunks.

Interrupted uploads are kept in a session database (--db) and can be
continued later with "rupload sessions resume <id>".

Environment variables provide defaults for the flags:
  RUPLOAD_URL, RUPLOAD_TOKEN, RUPLOAD_CHUNK_SIZE, RUPLOAD_MIME_TYPE,
  RUPLOAD_SESSION_DB, RUPLOAD_VERBOSE`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.loadEnv,
	}

	root.PersistentFlags().StringVar(&a.opts.sessionDB, "db", "", "Session database directory; uploads are resumable when set")
	root.PersistentFlags().BoolVarP(&a.opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newUploadCmd(a))
	root.AddCommand(newSessionsCmd(a))
	root.CompletionOptions.DisableDefaultCmd = true

	return root
}

func (a *app) loadEnv(cmd *cobra.Command, _ []string) error {
	var cfg envConfig
	if err := stepconf.NewInputParser(a.env).Parse(&cfg); err != nil {
		return err
	}

	setString := func(flag string, target *string, value string) {
		if value != "" && !cmd.Flags().Changed(flag) {
			*target = value
		}
	}
	setString("url", &a.opts.url, cfg.URL)
	setString("token", &a.opts.token, string(cfg.Token))
	setString("chunk-size", &a.opts.chunkSize, cfg.ChunkSize)
	setString("mime", &a.opts.mimeType, cfg.MIMEType)
	setString("db", &a.opts.sessionDB, cfg.SessionDB)
	if cfg.Verbose && !cmd.Flags().Changed("verbose") {
		a.opts.verbose = true
	}

	a.logger.EnableDebugLog(a.opts.verbose)
	if a.opts.verbose {
		stepconf.Print(cfg, a.logger)
	}
	return nil
}

func (a *app) transport() transport.Doer {
	if a.doer == nil {
		a.doer = transport.NewClient(transport.DefaultConfig(), a.logger)
	}
	return a.doer
}

func (a *app) uploadConfig(registry *session.Registry) upload.Config {
	config := upload.DefaultConfig()
	config.Logger = a.logger
	config.Transport = a.transport()
	if registry != nil {
		config.Recorder = registry
	}
	return config
}

// openRegistry returns nil when no session database is configured and required is false.
func (a *app) openRegistry(required bool) (*session.Registry, error) {
	if a.opts.sessionDB == "" {
		if required {
			return nil, fmt.Errorf("session database is not set (--db or RUPLOAD_SESSION_DB)")
		}
		return nil, nil
	}

	path, err := a.pathModifier.AbsPath(a.opts.sessionDB)
	if err != nil {
		return nil, err
	}
	return session.Open(path, a.logger)
}

func (a *app) closeRegistry(registry *session.Registry) {
	if registry == nil {
		return
	}
	if err := registry.Close(); err != nil {
		a.logger.Warnf("Failed to close session database: %s", err)
	}
}

// wait blocks until f finishes. An interrupt pauses f and leaves its session resumable;
// the resume hint is only printed for uploads that can be reopened from their file.
func (a *app) wait(ctx context.Context, f *upload.Fetcher) error {
	select {
	case <-f.Done():
		_, err := f.Wait()
		return err
	case <-ctx.Done():
		f.Pause()
		a.logger.Warnf("Upload interrupted at %d bytes", f.CurrentOffset())
		if a.opts.sessionDB != "" && f.LocationURL() != "" && f.SourcePath() != "" {
			return fmt.Errorf("interrupted, continue with: rupload sessions resume %s --db %s", f.SessionIdentifier(), a.opts.sessionDB)
		}
		return fmt.Errorf("interrupted: %w", ctx.Err())
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
