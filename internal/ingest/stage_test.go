package ingest

import (
	"context"
	"testing"
)

func TestStage_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{"", StageUploading, true},
		{"", StageParsing, false},
		{"", StageError, true},
		{StageUploading, StageParsing, true},
		{StageUploading, StageChunking, false},
		{StageParsing, StageChunking, true},
		{StageChunking, StageEmbedding, true},
		{StageEmbedding, StageEmbedding, true},
		{StageEmbedding, StageComplete, true},
		{StageChunking, StageComplete, false},
		{StageParsing, StageUploading, false},
		{StageEmbedding, StageError, true},
		{StageComplete, StageError, false},
		{StageError, StageUploading, false},
		{StageUploading, StageUploading, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%q.CanTransition(%q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTracker_RejectsIllegalAndRegressingUpdates(t *testing.T) {
	rec := &Recorder{}
	tr := newTracker(rec, Progress{SessionID: "s"})
	ctx := context.Background()

	if tr.advance(ctx, StageChunking, 50, "skip") {
		t.Fatal("skipping stages should be rejected")
	}
	tr.advance(ctx, StageUploading, 10, "")
	tr.advance(ctx, StageParsing, 30, "")
	tr.advance(ctx, StageChunking, 50, "")
	tr.advance(ctx, StageEmbedding, 60, "")
	tr.advance(ctx, StageEmbedding, 55, "late")
	tr.fail(ctx, "boom")
	tr.advance(ctx, StageComplete, 100, "")

	updates := rec.Updates()
	if len(updates) != 6 {
		t.Fatalf("got %d updates, want 6", len(updates))
	}
	if updates[4].Progress != 60 {
		t.Errorf("regressing progress reported as %d, want 60", updates[4].Progress)
	}
	last := updates[5]
	if last.Stage != StageError || last.Progress != 0 || last.Message != "boom" {
		t.Errorf("last update = %+v", last)
	}
	for i := 1; i < 5; i++ {
		if updates[i].Progress < updates[i-1].Progress {
			t.Errorf("progress decreased at %d", i)
		}
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := MultiSink{a, nil, b}
	sink.Report(context.Background(), Progress{Stage: StageUploading})

	if len(a.Updates()) != 1 || len(b.Updates()) != 1 {
		t.Error("every sink should receive the update")
	}
}

func TestValidateFile(t *testing.T) {
	limits := DefaultLimits()
	tests := []struct {
		name string
		file FileInfo
		want ValidationReason
	}{
		{"pdf by type", FileInfo{Filename: "x", Size: 1, MimeType: "application/pdf"}, ""},
		{"txt by extension", FileInfo{Filename: "notes.TXT", Size: 1, MimeType: "application/octet-stream"}, ""},
		{"docx by extension", FileInfo{Filename: "a.docx", Size: 1}, ""},
		{"exact limit", FileInfo{Filename: "a.txt", Size: limits.MaxFileSize}, ""},
		{"too large", FileInfo{Filename: "a.txt", Size: limits.MaxFileSize + 1}, ReasonTooLarge},
		{"image", FileInfo{Filename: "a.png", Size: 1, MimeType: "image/png"}, ReasonUnsupported},
		{"missing", FileInfo{}, ReasonMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFile(tt.file, limits)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			ve, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if ve.Reason != tt.want {
				t.Errorf("reason = %s, want %s", ve.Reason, tt.want)
			}
		})
	}

	err := ValidateFile(FileInfo{Filename: "a.exe", Size: 1}, limits)
	if err == nil || err.Error() != MsgUnsupportedType {
		t.Errorf("error = %v, want %q", err, MsgUnsupportedType)
	}
}
