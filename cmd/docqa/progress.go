package main

import (
	"context"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/alqutdigital/docqa-agent/internal/ingest"
)

// barSink renders pipeline progress on a terminal progress bar.
type barSink struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newBarSink(w io.Writer, filename string) *barSink {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(filename),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return &barSink{bar: bar}
}

// Report implements ingest.ProgressSink.
func (s *barSink) Report(ctx context.Context, p ingest.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bar.Describe(p.Message)
	switch p.Stage {
	case ingest.StageComplete:
		_ = s.bar.Finish()
	case ingest.StageError:
		_ = s.bar.Exit()
	default:
		_ = s.bar.Set(p.Progress)
	}
}
