package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"
)

// IsValidPDFBytes checks if byte data starts with a PDF header.
func IsValidPDFBytes(data []byte) bool {
	if len(data) < 5 {
		return false
	}
	return string(data[:5]) == "%PDF-"
}

// extractPDF reads page text with MuPDF and falls back to the pure-Go reader when
// MuPDF cannot open the file or finds no text.
func (e *Extractor) extractPDF(ctx context.Context, data []byte) (*Extraction, error) {
	if !IsValidPDFBytes(data) {
		return nil, &ExtractError{Kind: KindCorruptInput, Format: FormatPDF, Err: errors.New("missing PDF header")}
	}

	result, err := e.extractPDFWithFitz(ctx, data)
	if err == nil && strings.TrimSpace(result.Text) != "" {
		return result, nil
	}
	if isPasswordError(err) {
		return nil, &ExtractError{Kind: KindPasswordProtected, Format: FormatPDF, Err: err}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		e.log.WithError(err).Debug("MuPDF extraction failed, trying fallback reader")
	}

	fallback, fbErr := extractPDFPlain(data)
	if fbErr != nil {
		if isPasswordError(fbErr) {
			return nil, &ExtractError{Kind: KindPasswordProtected, Format: FormatPDF, Err: fbErr}
		}
		if err == nil {
			// MuPDF parsed the file; it just had no text layer.
			return result, nil
		}
		return nil, &ExtractError{Kind: KindCorruptInput, Format: FormatPDF, Err: errors.Join(err, fbErr)}
	}
	if result != nil && fallback.PageCount == 0 {
		fallback.PageCount = result.PageCount
		fallback.Metadata = result.Metadata
	}
	return fallback, nil
}

func (e *Extractor) extractPDFWithFitz(ctx context.Context, data []byte) (*Extraction, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	total := doc.NumPage()
	if e.config.MaxPages > 0 && total > e.config.MaxPages {
		total = e.config.MaxPages
	}

	// Pages are read sequentially; a fitz document is not safe for concurrent access.
	var sb strings.Builder
	var failed int
	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		text, err := doc.Text(i)
		if err != nil {
			failed++
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}
	if failed > 0 {
		e.log.Warn("some pages failed to extract", "failed", failed, "pages", total)
	}

	return &Extraction{
		Text:      sb.String(),
		PageCount: doc.NumPage(),
		Metadata:  pdfMetadata(doc.Metadata()),
	}, nil
}

// extractPDFPlain uses ledongthuc/pdf, which panics on some malformed inputs.
func extractPDFPlain(data []byte) (result *Extraction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return nil, err
	}
	return &Extraction{Text: string(out), PageCount: reader.NumPage()}, nil
}

func isPasswordError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fitz.ErrNeedsPassword) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password") || strings.Contains(msg, "encrypted")
}

func pdfMetadata(raw map[string]string) map[string]string {
	out := make(map[string]string)
	for _, key := range []string{"title", "author", "subject", "keywords", "creator", "producer"} {
		if v := strings.TrimSpace(raw[key]); v != "" {
			out[key] = v
		}
	}
	for _, key := range []string{"creationDate", "modDate"} {
		if t := parsePDFDate(raw[key]); !t.IsZero() {
			out[key] = t.Format(time.RFC3339)
		}
	}
	if kw, ok := out["keywords"]; ok {
		out["keywords"] = strings.Join(parseKeywords(kw), ", ")
	}
	return out
}

var reKeywordDelims = regexp.MustCompile(`[,;]`)

// parseKeywords parses a keywords string into a slice.
func parseKeywords(keywords string) []string {
	var result []string
	for _, part := range reKeywordDelims.Split(keywords, -1) {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// parsePDFDate parses a PDF date string such as D:20230615120000+05'30'.
func parsePDFDate(dateStr string) time.Time {
	dateStr = strings.TrimPrefix(strings.TrimSpace(dateStr), "D:")
	if dateStr == "" {
		return time.Time{}
	}

	formats := []string{
		"20060102150405Z07'00'",
		"20060102150405-07'00'",
		"20060102150405Z",
		"20060102150405",
		"20060102",
		"2006-01-02T15:04:05Z",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t
		}
	}
	return time.Time{}
}
