package embedder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	progressStart = 60
	progressSpan  = 40
	progressCap   = 95
	progressFinal = 99
)

// Batch is one completed group of embeddings handed to a BatchFunc.
type Batch struct {
	Start   int         // index of the first text of this batch
	Texts   []string    // texts in this batch
	Vectors [][]float32 // normalized vectors, aligned with Texts
	Done    int         // texts embedded so far, this batch included
	Total   int         // total texts in the run
}

// Final reports whether this is the last batch of the run.
func (b Batch) Final() bool {
	return b.Done >= b.Total
}

// Progress returns the ingestion progress value after this batch.
func (b Batch) Progress() int {
	return BatchProgress(b.Done, b.Total)
}

// BatchFunc receives each batch once all of its embeddings succeeded. Returning an
// error stops the run.
type BatchFunc func(ctx context.Context, batch Batch) error

// ChunkError reports which text of a batch run failed to embed.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("failed to embed chunk %d: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// BatchProgress maps embedded/total onto the 60..95 range, reporting 99 once every
// text is done so that 100 stays reserved for pipeline completion.
func BatchProgress(done, total int) int {
	if total <= 0 || done >= total {
		return progressFinal
	}
	if done < 0 {
		done = 0
	}
	p := progressStart + progressSpan*done/total
	if p > progressCap {
		p = progressCap
	}
	return p
}

// EmbedBatch embeds texts in groups of Config.BatchSize. Embeddings inside a group run
// concurrently and the whole group is awaited before fn is called. The first failure
// aborts the run with a *ChunkError; groups already passed to fn are not revisited.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string, fn BatchFunc) error {
	if len(texts) == 0 {
		return nil
	}

	// Initialize the shared backend before fanning out.
	if _, err := e.Backend(ctx); err != nil {
		return &ChunkError{Index: 0, Err: err}
	}

	start := time.Now()
	size := e.config.BatchSize
	total := len(texts)

	for offset := 0; offset < total; offset += size {
		end := min(offset+size, total)
		group := texts[offset:end]
		vectors := make([][]float32, len(group))

		g, gctx := errgroup.WithContext(ctx)
		for i, text := range group {
			g.Go(func() error {
				v, err := e.embedOne(gctx, text)
				if err != nil {
					return &ChunkError{Index: offset + i, Err: err}
				}
				vectors[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			var ce *ChunkError
			if !errors.As(err, &ce) {
				ce = &ChunkError{Index: offset, Err: err}
			}
			e.logger.Warn("embedding batch failed",
				"batch_start", offset,
				"chunk_index", ce.Index,
				"error", ce.Err,
			)
			return ce
		}
		e.totalBatches.Add(1)

		if fn != nil {
			batch := Batch{
				Start:   offset,
				Texts:   group,
				Vectors: vectors,
				Done:    end,
				Total:   total,
			}
			if err := fn(ctx, batch); err != nil {
				return err
			}
		}
	}

	e.logger.Debug("batch embedding complete",
		"total_texts", total,
		"batch_size", size,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
