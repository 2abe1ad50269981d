// Package processor extracts plain text from uploaded PDF, DOCX and TXT files.
package processor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/alqutdigital/docqa-agent/pkg/logger"
)

// Supported MIME types.
const (
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeText = "text/plain"
)

// Format identifies a supported input format.
type Format string

const (
	FormatUnknown Format = ""
	FormatPDF     Format = "pdf"
	FormatDOCX    Format = "docx"
	FormatText    Format = "txt"
)

// DetectFormat resolves the format from the declared MIME type, falling back to the
// filename extension.
func DetectFormat(filename, mimeType string) Format {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case MimePDF:
		return FormatPDF
	case MimeDOCX:
		return FormatDOCX
	case MimeText:
		return FormatText
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	case ".txt":
		return FormatText
	}
	return FormatUnknown
}

// ErrorKind classifies extraction failures.
type ErrorKind string

const (
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	KindPasswordProtected ErrorKind = "password_protected"
	KindCorruptInput      ErrorKind = "corrupt_input"
	KindNoTextFound       ErrorKind = "no_text_found"
)

// ExtractError is returned by Extract for every failure.
type ExtractError struct {
	Kind   ErrorKind
	Format Format
	Err    error
}

func (e *ExtractError) Error() string {
	switch e.Kind {
	case KindUnsupportedFormat:
		return "unsupported file type"
	case KindPasswordProtected:
		return fmt.Sprintf("%s document is password protected", e.Format)
	case KindNoTextFound:
		return fmt.Sprintf("no text could be extracted from %s document", e.Format)
	}
	if e.Err != nil {
		return fmt.Sprintf("failed to parse %s document: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("failed to parse %s document", e.Format)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *ExtractError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *ExtractError
	return errors.As(err, &ee) && ee.Kind == kind
}

// Extraction is the text pulled out of a file.
type Extraction struct {
	Text      string            `json:"text"`
	PageCount int               `json:"page_count,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ExtractorConfig holds configuration for text extraction.
type ExtractorConfig struct {
	MaxPages int // 0 extracts every page
}

// DefaultExtractorConfig returns default configuration.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{}
}

// Extractor turns raw upload bytes into plain text.
type Extractor struct {
	config ExtractorConfig
	log    *logger.Logger
}

// NewExtractor creates a new extractor instance.
func NewExtractor(cfg ExtractorConfig, log *logger.Logger) *Extractor {
	if log == nil {
		log = logger.Default()
	}
	return &Extractor{
		config: cfg,
		log:    log.WithComponent("extractor"),
	}
}

// Extract decodes data according to its declared type and filename. The returned text
// is cleaned and never empty.
func (e *Extractor) Extract(ctx context.Context, data []byte, filename, mimeType string) (*Extraction, error) {
	start := time.Now()
	format := DetectFormat(filename, mimeType)

	var (
		result *Extraction
		err    error
	)
	switch format {
	case FormatPDF:
		result, err = e.extractPDF(ctx, data)
	case FormatDOCX:
		result, err = extractDOCX(data)
	case FormatText:
		result, err = extractText(data)
	default:
		return nil, &ExtractError{Kind: KindUnsupportedFormat, Format: format}
	}
	if err != nil {
		e.log.WithError(err).Warn("text extraction failed", "filename", filename, "format", format)
		return nil, err
	}

	result.Text = cleanText(result.Text)
	if result.Text == "" {
		return nil, &ExtractError{Kind: KindNoTextFound, Format: format}
	}

	e.log.Debug("text extracted",
		"filename", filename,
		"format", format,
		"pages", result.PageCount,
		"chars", len(result.Text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

var (
	reNewlines = regexp.MustCompile(`\n{3,}`)
	reSpaces   = regexp.MustCompile(`[ \t]+`)
)

// cleanText cleans and normalizes extracted text.
func cleanText(text string) string {
	// Remove null characters
	text = strings.ReplaceAll(text, "\x00", "")

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = reSpaces.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = reNewlines.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
