// Package main is the docqa command line tool. It runs the same ingestion and
// question answering core as the API server against a local store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alqutdigital/docqa-agent/internal/api/handlers"
	"github.com/alqutdigital/docqa-agent/internal/app"
	"github.com/alqutdigital/docqa-agent/internal/config"
	"github.com/alqutdigital/docqa-agent/internal/embedder"
	"github.com/alqutdigital/docqa-agent/internal/storage"
	"github.com/alqutdigital/docqa-agent/pkg/logger"
)

// envSession names the variable holding the default session.
const envSession = "DOCQA_SESSION"

// globalOptions are flags shared by every subcommand.
type globalOptions struct {
	Driver     string
	SQLitePath string
	Session    string
	Verbose    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "docqa",
		Short:         "Ask questions about your documents",
		Long:          "CLI for ingesting PDF, DOCX and TXT files and answering questions grounded in them.",
		Version:       handlers.ServiceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.Driver, "db", "", "Store driver: sqlite, postgres or memory (default sqlite unless DB_DRIVER is set)")
	rootCmd.PersistentFlags().StringVar(&opts.SQLitePath, "sqlite-path", "", "SQLite database file (default SQLITE_PATH or docqa.db)")
	rootCmd.PersistentFlags().StringVarP(&opts.Session, "session", "s", "", "Session ID (default $"+envSession+")")
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(newIngestCmd(opts))
	rootCmd.AddCommand(newAskCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	rootCmd.AddCommand(newDocsCmd(opts))
	rootCmd.AddCommand(newRemoveCmd(opts))
	rootCmd.AddCommand(newSessionsCmd(opts))
	rootCmd.AddCommand(newEvalCmd(opts))

	return rootCmd.ExecuteContext(ctx)
}

// env holds the components a command runs against.
type env struct {
	cfg      *config.Config
	log      *logger.Logger
	store    storage.Store
	searcher storage.VectorSearcher
	emb      *embedder.Embedder
	objects  storage.ObjectStorage
}

// openEnv loads configuration and opens the store. The embedder is created but
// its backend loads only when a command embeds something.
func openEnv(ctx context.Context, opts *globalOptions) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	switch {
	case opts.Driver != "":
		cfg.Database.Driver = opts.Driver
	case os.Getenv("DB_DRIVER") == "":
		cfg.Database.Driver = "sqlite"
	}
	if opts.SQLitePath != "" {
		cfg.Database.SQLitePath = opts.SQLitePath
	}

	level := "warn"
	if opts.Verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{Level: level, Format: "text", Output: os.Stderr})
	log.SetDefault()

	store, searcher, err := app.OpenStore(ctx, cfg.Database, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}

	emb, err := app.NewEmbedder(cfg.Embedding, cfg.Ingestion.BatchSize, log.Logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	e := &env{cfg: cfg, log: log, store: store, searcher: searcher, emb: emb}

	if cfg.Storage.Enabled {
		minio, err := storage.NewMinIOStorage(storage.MinIOConfig{
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			BucketName:      cfg.Storage.BucketName,
			UseSSL:          cfg.Storage.UseSSL,
			Region:          cfg.Storage.Region,
		})
		if err != nil {
			log.Warn("object storage unavailable, originals will not be archived", "error", err)
		} else {
			e.objects = minio
		}
	}

	return e, nil
}

func (e *env) Close() {
	if err := e.emb.Close(); err != nil {
		e.log.Warn("failed to close embedder", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.log.Warn("failed to close store", "error", err)
	}
}

// session resolves the session to act on and refreshes its expiry. With create
// set, a missing session is minted and announced on stderr.
func (e *env) session(ctx context.Context, opts *globalOptions, create bool) (uuid.UUID, error) {
	raw := opts.Session
	if raw == "" {
		raw = os.Getenv(envSession)
	}

	var id uuid.UUID
	switch {
	case raw != "":
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid session ID %q: %w", raw, err)
		}
		id = parsed
	case create:
		id = uuid.New()
		fmt.Fprintf(os.Stderr, "new session %s (export %s=%s to reuse it)\n", id, envSession, id)
	default:
		return uuid.Nil, errors.New("session required: pass --session or set " + envSession)
	}

	if _, err := e.store.TouchSession(ctx, id, e.cfg.Session.TTL); err != nil {
		return uuid.Nil, fmt.Errorf("failed to open session: %w", err)
	}
	return id, nil
}
