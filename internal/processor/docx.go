package processor

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const docxBodyPart = "word/document.xml"

// extractDOCX pulls the raw paragraph text out of word/document.xml. Formatting,
// headers, footers and embedded objects are ignored.
func extractDOCX(data []byte) (*Extraction, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ExtractError{Kind: KindCorruptInput, Format: FormatDOCX, Err: err}
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBodyPart {
			body = f
			break
		}
		// Encrypted Office files are OLE containers, not zips, so this only catches
		// packages that carry an encryption manifest.
		if f.Name == "EncryptionInfo" || f.Name == "EncryptedPackage" {
			return nil, &ExtractError{Kind: KindPasswordProtected, Format: FormatDOCX}
		}
	}
	if body == nil {
		return nil, &ExtractError{Kind: KindCorruptInput, Format: FormatDOCX, Err: fmt.Errorf("missing %s", docxBodyPart)}
	}

	rc, err := body.Open()
	if err != nil {
		return nil, &ExtractError{Kind: KindCorruptInput, Format: FormatDOCX, Err: err}
	}
	defer rc.Close()

	text, err := docxText(rc)
	if err != nil {
		return nil, &ExtractError{Kind: KindCorruptInput, Format: FormatDOCX, Err: err}
	}
	return &Extraction{Text: text}, nil
}

// docxText walks WordprocessingML tokens, emitting w:t runs and turning paragraph
// ends, breaks and tabs into whitespace.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		sb     strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}
