package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/alqutdigital/docqa-agent/internal/ingest"
)

func TestMimeType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"REPORT.PDF", "application/pdf"},
		{"archive.unknownext", ""},
	}

	for _, tt := range tests {
		if got := mimeType(tt.path); got != tt.want {
			t.Errorf("mimeType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestIngestMessage(t *testing.T) {
	verr := &ingest.ValidationError{Reason: ingest.ReasonUnsupported, Message: ingest.MsgUnsupportedType}
	if got := ingestMessage(verr); got != ingest.MsgUnsupportedType {
		t.Errorf("validation message = %q", got)
	}

	plain := errors.New("disk full")
	if got := ingestMessage(plain); got != "disk full" {
		t.Errorf("plain message = %q", got)
	}
}

func TestBarSink(t *testing.T) {
	sink := newBarSink(io.Discard, "notes.txt")
	ctx := context.Background()

	sink.Report(ctx, ingest.Progress{Stage: ingest.StageUploading, Progress: 10, Message: "Uploading document..."})
	sink.Report(ctx, ingest.Progress{Stage: ingest.StageEmbedding, Progress: 80, Message: "Processing chunk 1 of 2..."})

	if got := sink.bar.State().CurrentNum; got != 80 {
		t.Errorf("bar position = %d, want 80", got)
	}

	sink.Report(ctx, ingest.Progress{Stage: ingest.StageComplete, Progress: 100, Message: "Document processed successfully!"})
	if !sink.bar.IsFinished() {
		t.Error("bar should be finished after complete")
	}
}
