package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alqutdigital/docqa-agent/internal/app"
	"github.com/alqutdigital/docqa-agent/internal/ingest"
	"github.com/alqutdigital/docqa-agent/internal/rag"
	"github.com/alqutdigital/docqa-agent/internal/storage"
)

// newIngestCmd creates the ingest subcommand.
func newIngestCmd(opts *globalOptions) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Extract, chunk and embed documents",
		Long:  "Run PDF, DOCX and TXT files through the ingestion pipeline into the session's store.",
		Example: `  # Ingest into a new session
  docqa ingest handbook.pdf

  # Ingest several files into an existing session
  docqa ingest -s 6f1c... policy.docx notes.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), opts, args, quiet)
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not render progress bars")
	return cmd
}

func runIngest(ctx context.Context, opts *globalOptions, files []string, quiet bool) error {
	e, err := openEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	sessionID, err := e.session(ctx, opts, true)
	if err != nil {
		return err
	}

	pipeline := app.NewPipeline(e.cfg, e.store, e.emb, e.objects, e.log.Logger)

	var failed int
	for _, path := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
			continue
		}

		var sink ingest.ProgressSink = ingest.Discard
		if !quiet {
			sink = newBarSink(os.Stderr, filepath.Base(path))
		}

		result, err := pipeline.Run(ctx, sessionID, ingest.Upload{
			Filename: filepath.Base(path),
			MimeType: mimeType(path),
			Data:     data,
		}, sink)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", path, ingestMessage(err))
			failed++
			continue
		}

		fmt.Printf("%s\t%s\t%d chunks\n", result.Document.ID, result.Document.Filename, result.Chunks)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

// ingestMessage is the user-facing text of a pipeline error.
func ingestMessage(err error) string {
	var verr *ingest.ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	var serr *ingest.StageError
	if errors.As(err, &serr) {
		return serr.UserMessage()
	}
	return err.Error()
}

// mimeType guesses the declared type from the extension, without parameters.
func mimeType(path string) string {
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		return ""
	}
	if base, _, err := mime.ParseMediaType(mt); err == nil {
		return base
	}
	return mt
}

// newAskCmd creates the ask subcommand.
func newAskCmd(opts *globalOptions) *cobra.Command {
	var showSources bool

	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Ask a question about the session's documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), opts, strings.Join(args, " "), showSources)
		},
	}

	cmd.Flags().BoolVar(&showSources, "sources", true, "Print the cited excerpts")
	return cmd
}

func runAsk(ctx context.Context, opts *globalOptions, question string, showSources bool) error {
	e, err := openEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	sessionID, err := e.session(ctx, opts, false)
	if err != nil {
		return err
	}

	provider, err := app.NewGenerator(e.cfg.Generation, e.log.Logger)
	if err != nil {
		return err
	}

	chat := app.NewChatService(e.cfg, app.ChatDeps{
		Store:    e.store,
		Searcher: e.searcher,
		Embedder: e.emb,
		Provider: provider,
	}, e.log.Logger)

	if e.cfg.Generation.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Generation.Timeout)
		defer cancel()
	}

	result, err := chat.Chat(ctx, sessionID, question)
	if err != nil {
		return err
	}

	fmt.Println(result.Response)
	if showSources && len(result.Sources) > 0 {
		fmt.Println()
		for i, src := range rag.Sources(result.Sources) {
			fmt.Printf("[%d] (%.2f) %s\n", i+1, src.Similarity, src.Content)
		}
	}
	return nil
}

// newHistoryCmd creates the history subcommand.
func newHistoryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the session's chat log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			sessionID, err := e.session(ctx, opts, false)
			if err != nil {
				return err
			}

			messages, err := e.store.ListMessages(ctx, sessionID, storage.MessageQuery{})
			if err != nil {
				return fmt.Errorf("failed to list messages: %w", err)
			}
			for _, m := range messages {
				fmt.Printf("%s  %-9s %s\n", m.CreatedAt.Local().Format(time.DateTime), m.Role, m.Content)
			}
			return nil
		},
	}
}

// newDocsCmd creates the docs subcommand.
func newDocsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "List the session's documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			sessionID, err := e.session(ctx, opts, false)
			if err != nil {
				return err
			}

			docs, err := e.store.ListDocuments(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("failed to list documents: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFILENAME\tSIZE\tTYPE\tCREATED")
			for _, d := range docs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					d.ID, d.Filename, d.FileSize, d.MimeType, d.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

// newRemoveCmd creates the rm subcommand.
func newRemoveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm DOCUMENT_ID...",
		Short: "Delete documents and their chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			sessionID, err := e.session(ctx, opts, false)
			if err != nil {
				return err
			}

			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid document ID %q", arg)
				}
				doc, err := e.store.GetDocument(ctx, sessionID, id)
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return fmt.Errorf("document %s not found in this session", id)
					}
					return err
				}
				if err := e.store.DeleteDocument(ctx, sessionID, id); err != nil {
					return fmt.Errorf("failed to delete document: %w", err)
				}
				if e.objects != nil && doc.StoragePath != "" {
					if err := e.objects.Delete(ctx, doc.StoragePath); err != nil {
						e.log.Warn("failed to delete archived original", "path", doc.StoragePath, "error", err)
					}
				}
				fmt.Printf("deleted %s (%s)\n", id, doc.Filename)
			}
			return nil
		},
	}
}

// newSessionsCmd creates the sessions subcommand.
func newSessionsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and expire sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			sessions, err := e.store.ListSessions(ctx)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			now := time.Now()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLAST ACTIVITY\tEXPIRES\tSTATE")
			for _, s := range sessions {
				state := "active"
				if s.Expired(now) {
					state = "expired"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID,
					s.LastActivity.Local().Format(time.DateTime),
					s.ExpiresAt.Local().Format(time.DateTime),
					state)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete expired sessions with their documents, chunks and messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := app.PruneSessions(ctx, e.store, e.objects, time.Now(), e.log.Logger)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d expired sessions\n", n)
			return nil
		},
	})

	return cmd
}
