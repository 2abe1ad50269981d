package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alqutdigital/docqa-agent/internal/storage"
)

// Query is a question with the rule that judges which chunks answer it. A chunk
// is relevant when it comes from one of Filenames (if any are given) and
// contains at least one of Keywords (if any are given).
type Query struct {
	ID        string   `json:"id"`
	Query     string   `json:"query"`
	Category  string   `json:"category,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	Filenames []string `json:"filenames,omitempty"`
}

// Judges reports whether c is relevant to q.
func (q Query) Judges(c storage.Chunk) bool {
	if len(q.Keywords) == 0 && len(q.Filenames) == 0 {
		return false
	}
	if len(q.Filenames) > 0 && !slices.Contains(q.Filenames, c.Metadata.Filename) {
		return false
	}
	if len(q.Keywords) == 0 {
		return true
	}
	content := strings.ToLower(c.Content)
	for _, kw := range q.Keywords {
		if strings.Contains(content, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Dataset is a named set of judged queries.
type Dataset struct {
	Name    string  `json:"name"`
	Queries []Query `json:"queries"`
}

// LoadDataset reads a dataset from a JSON file.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}
	if len(ds.Queries) == 0 {
		return nil, fmt.Errorf("dataset %q has no queries", path)
	}
	return &ds, nil
}

// Searcher ranks a session's chunks against a query.
type Searcher interface {
	Search(ctx context.Context, query string, sessionID uuid.UUID, limit int) ([]storage.ScoredChunk, error)
}

// ChunkLister reads every chunk of a session so relevance can be judged.
type ChunkLister interface {
	ListChunks(ctx context.Context, sessionID uuid.UUID, limit int) ([]storage.Chunk, error)
}

// Config holds configuration for a run.
type Config struct {
	Cutoffs      []int
	QueryTimeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Cutoffs:      []int{1, 3, 5},
		QueryTimeout: 30 * time.Second,
	}
}

// Report is the outcome of a run.
type Report struct {
	Dataset    string               `json:"dataset"`
	SessionID  uuid.UUID            `json:"session_id"`
	Timestamp  time.Time            `json:"timestamp"`
	Metrics    []Metrics            `json:"metrics"`
	ByCategory map[string][]Metrics `json:"by_category,omitempty"`
	Results    []QueryResult        `json:"results"`
	Errors     map[string]string    `json:"errors,omitempty"`
}

// Runner evaluates a searcher over one session's documents.
type Runner struct {
	searcher Searcher
	chunks   ChunkLister
	config   Config
	logger   *slog.Logger
}

// NewRunner creates a new evaluation runner.
func NewRunner(searcher Searcher, chunks ChunkLister, config Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.Cutoffs) == 0 {
		config.Cutoffs = DefaultConfig().Cutoffs
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultConfig().QueryTimeout
	}
	return &Runner{
		searcher: searcher,
		chunks:   chunks,
		config:   config,
		logger:   logger.With("component", "evaluation"),
	}
}

// Run searches every query of ds in sessionID and scores the rankings. Failed
// queries are reported in Errors and left out of the metrics.
func (r *Runner) Run(ctx context.Context, sessionID uuid.UUID, ds Dataset) (*Report, error) {
	all, err := r.chunks.ListChunks(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("session %s has no chunks to evaluate", sessionID)
	}

	maxK := slices.Max(r.config.Cutoffs)
	report := &Report{
		Dataset:   ds.Name,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Errors:    map[string]string{},
	}

	for _, q := range ds.Queries {
		qr := QueryResult{QueryID: q.ID, Query: q.Query, Category: q.Category}
		for _, c := range all {
			if q.Judges(c) {
				qr.Relevant = append(qr.Relevant, c.ID.String())
			}
		}

		queryCtx, cancel := context.WithTimeout(ctx, r.config.QueryTimeout)
		start := time.Now()
		ranked, err := r.searcher.Search(queryCtx, q.Query, sessionID, maxK)
		qr.LatencyMs = time.Since(start).Milliseconds()
		cancel()

		if err != nil {
			r.logger.Warn("query failed", "query_id", q.ID, "error", err)
			report.Errors[q.ID] = err.Error()
			continue
		}
		for _, sc := range ranked {
			qr.Retrieved = append(qr.Retrieved, sc.ID.String())
		}
		report.Results = append(report.Results, qr)
	}

	byCategory := map[string][]QueryResult{}
	for _, qr := range report.Results {
		if qr.Category != "" {
			byCategory[qr.Category] = append(byCategory[qr.Category], qr)
		}
	}

	for _, k := range r.config.Cutoffs {
		report.Metrics = append(report.Metrics, Calculate(report.Results, k))
	}
	if len(byCategory) > 0 {
		report.ByCategory = make(map[string][]Metrics, len(byCategory))
		for cat, results := range byCategory {
			for _, k := range r.config.Cutoffs {
				report.ByCategory[cat] = append(report.ByCategory[cat], Calculate(results, k))
			}
		}
	}

	r.logger.Info("evaluation completed",
		"dataset", ds.Name,
		"queries", len(ds.Queries),
		"failed", len(report.Errors),
	)
	return report, nil
}

// Markdown renders the report as a table.
func (rep *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Retrieval evaluation: %s\n\n", rep.Dataset)
	fmt.Fprintf(&b, "Queries: %d, failed: %d\n\n", len(rep.Results)+len(rep.Errors), len(rep.Errors))
	b.WriteString("| K | Precision | Recall | Hit rate | MRR | nDCG | MAP | p95 ms |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, m := range rep.Metrics {
		fmt.Fprintf(&b, "| %d | %.3f | %.3f | %.3f | %.3f | %.3f | %.3f | %.0f |\n",
			m.K, m.Precision, m.Recall, m.HitRate, m.MRR, m.NDCG, m.MAP, m.P95LatencyMs)
	}
	return b.String()
}
