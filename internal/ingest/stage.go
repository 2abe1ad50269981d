// Package ingest turns an uploaded file into persisted, embedded chunks.
package ingest

import (
	"context"
	"sync"
)

// Stage is a step of the ingestion state machine.
type Stage string

const (
	StageUploading Stage = "uploading"
	StageParsing   Stage = "parsing"
	StageChunking  Stage = "chunking"
	StageEmbedding Stage = "embedding"
	StageComplete  Stage = "complete"
	StageError     Stage = "error"
)

// Progress values announced on entry to each stage.
const (
	ProgressUploading = 10
	ProgressParsing   = 30
	ProgressChunking  = 50
	ProgressEmbedding = 60
	ProgressComplete  = 100
)

var stageOrder = map[Stage]int{
	StageUploading: 1,
	StageParsing:   2,
	StageChunking:  3,
	StageEmbedding: 4,
	StageComplete:  5,
}

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// CanTransition reports whether a run in stage s may move to next. Stages advance
// strictly one step at a time; the embedding stage may repeat for each batch; error is
// reachable from every non-terminal stage. The zero Stage is the state before a run.
func (s Stage) CanTransition(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageError {
		return true
	}
	if s == StageEmbedding && next == StageEmbedding {
		return true
	}
	n, ok := stageOrder[next]
	if !ok {
		return false
	}
	return n == stageOrder[s]+1
}

// Progress is a transient status update for one ingestion run.
type Progress struct {
	Stage      Stage  `json:"stage"`
	Progress   int    `json:"progress"`
	Message    string `json:"message"`
	SessionID  string `json:"session_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Filename   string `json:"filename,omitempty"`
}

// ProgressSink receives progress updates. Implementations must not block for long;
// the pipeline does not depend on delivery.
type ProgressSink interface {
	Report(ctx context.Context, p Progress)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(ctx context.Context, p Progress)

// Report calls f(ctx, p).
func (f SinkFunc) Report(ctx context.Context, p Progress) {
	f(ctx, p)
}

// MultiSink fans each update out to every sink, in order.
type MultiSink []ProgressSink

// Report delivers p to every non-nil sink.
func (m MultiSink) Report(ctx context.Context, p Progress) {
	for _, s := range m {
		if s != nil {
			s.Report(ctx, p)
		}
	}
}

// Discard is a sink that drops every update.
var Discard ProgressSink = SinkFunc(func(context.Context, Progress) {})

// Recorder is a sink that keeps every update. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	updates []Progress
}

// Report records p.
func (r *Recorder) Report(_ context.Context, p Progress) {
	r.mu.Lock()
	r.updates = append(r.updates, p)
	r.mu.Unlock()
}

// Updates returns a copy of the recorded updates.
func (r *Recorder) Updates() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.updates...)
}

// Last returns the most recent update.
func (r *Recorder) Last() (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return Progress{}, false
	}
	return r.updates[len(r.updates)-1], true
}

// tracker enforces legal transitions and non-decreasing progress for one run.
type tracker struct {
	stage    Stage
	progress int
	base     Progress
	sink     ProgressSink
}

func newTracker(sink ProgressSink, base Progress) *tracker {
	if sink == nil {
		sink = Discard
	}
	return &tracker{sink: sink, base: base}
}

// advance moves to next and reports it. Illegal transitions and regressing progress
// are not reported and return false.
func (t *tracker) advance(ctx context.Context, next Stage, progress int, message string) bool {
	if !t.stage.CanTransition(next) {
		return false
	}
	if next != StageError && progress < t.progress {
		progress = t.progress
	}
	t.stage = next
	t.progress = progress

	p := t.base
	p.Stage = next
	p.Progress = progress
	p.Message = message
	t.sink.Report(ctx, p)
	return true
}

func (t *tracker) fail(ctx context.Context, message string) {
	t.advance(ctx, StageError, 0, message)
}
