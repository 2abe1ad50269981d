package ingest

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Validation messages shown to users.
const (
	MsgNoFile          = "No file provided"
	MsgUnsupportedType = "File type must be PDF, DOCX, or TXT"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindExtraction ErrorKind = "extraction"
	KindEmbedding  ErrorKind = "embedding"
	KindStore      ErrorKind = "store"
)

// ValidationReason says which rule an upload broke.
type ValidationReason string

const (
	ReasonMissing     ValidationReason = "missing"
	ReasonTooLarge    ValidationReason = "too_large"
	ReasonUnsupported ValidationReason = "unsupported_type"
)

// ValidationError rejects an upload before anything is persisted.
type ValidationError struct {
	Reason  ValidationReason
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// StageError is returned by Pipeline.Run for any failure after validation.
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// UserMessage is the text reported with the error progress update.
func (e *StageError) UserMessage() string {
	if e.Err == nil {
		return "Failed to process document"
	}
	return e.Err.Error()
}

// FileInfo describes an upload for validation.
type FileInfo struct {
	Filename string
	Size     int64
	MimeType string
}

// Limits bounds what uploads are accepted.
type Limits struct {
	MaxFileSize       int64
	AllowedTypes      []string
	AllowedExtensions []string
}

// DefaultLimits returns the 10 MiB PDF/DOCX/TXT allow-list.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize: 10 * 1024 * 1024,
		AllowedTypes: []string{
			"application/pdf",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"text/plain",
		},
		AllowedExtensions: []string{".pdf", ".docx", ".txt"},
	}
}

// ValidateFile checks size and type. A file is accepted when its declared type is
// allowed or its name carries an allowed extension.
func ValidateFile(f FileInfo, limits Limits) error {
	if f.Filename == "" && f.Size == 0 {
		return &ValidationError{Reason: ReasonMissing, Message: MsgNoFile}
	}
	if limits.MaxFileSize > 0 && f.Size > limits.MaxFileSize {
		return &ValidationError{Reason: ReasonTooLarge, Message: limits.TooLargeMessage()}
	}

	mt := f.MimeType
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	mt = strings.ToLower(strings.TrimSpace(mt))
	if slices.Contains(limits.AllowedTypes, mt) {
		return nil
	}
	name := strings.ToLower(f.Filename)
	for _, ext := range limits.AllowedExtensions {
		if strings.HasSuffix(name, ext) {
			return nil
		}
	}
	return &ValidationError{Reason: ReasonUnsupported, Message: MsgUnsupportedType}
}

// IsValidation reports whether err rejected an upload before persistence.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TooLargeMessage is the message an oversized upload is rejected with.
func (l Limits) TooLargeMessage() string {
	const mb = 1024 * 1024
	if l.MaxFileSize%mb == 0 {
		return fmt.Sprintf("File size must be less than %dMB", l.MaxFileSize/mb)
	}
	return fmt.Sprintf("File size must be less than %d bytes", l.MaxFileSize)
}
