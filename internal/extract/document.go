package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf16"
)

var (
	zipMagic = []byte("PK\x03\x04")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// DocumentExtractor handles word processing files: OOXML .docx through its
// document.xml part and legacy binary .doc through a text-run scan. The file
// signature decides, not the declared type.
type DocumentExtractor struct{}

func NewDocumentExtractor() *DocumentExtractor { return &DocumentExtractor{} }

func (DocumentExtractor) Extract(_ context.Context, path string) (*Output, error) {
	head, err := readHead(path, 8)
	if err != nil {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(head, zipMagic):
		text, err := extractDocx(path)
		if err != nil {
			return nil, err
		}
		return &Output{Text: text}, nil
	case bytes.HasPrefix(head, oleMagic):
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read doc: %w", err)
		}
		return &Output{
			Text:     extractLegacyDoc(data),
			Metadata: Metadata{Warnings: []string{"legacy .doc format, text recovered on a best-effort basis"}},
		}, nil
	default:
		return nil, fmt.Errorf("%w: not a word processing file", ErrMalformedDocument)
	}
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read document header: %w", err)
	}
	return buf[:read], nil
}

// extractDocx walks word/document.xml and joins paragraph text with newlines.
func extractDocx(path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("%w: open docx: %v", ErrMalformedDocument, err)
	}
	defer r.Close()

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", fmt.Errorf("%w: word/document.xml not found in archive", ErrMalformedDocument)
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open document.xml: %v", ErrMalformedDocument, err)
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
	)
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: parse document.xml: %v", ErrMalformedDocument, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				current.Reset()
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br", "cr":
				current.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if text := strings.TrimSpace(current.String()); text != "" {
					paragraphs = append(paragraphs, text)
				}
				current.Reset()
			}
		}
	}
	return strings.Join(paragraphs, "\n"), nil
}

// minRunLength drops short binary noise that happens to be printable.
const minRunLength = 4

// extractLegacyDoc recovers text from a Word 97-2003 binary. Text pieces are
// stored either as 8-bit or UTF-16LE; both scans run and the one that
// recovers more text wins.
func extractLegacyDoc(data []byte) string {
	narrow := scanNarrowRuns(data)
	wide := scanWideRuns(data)
	if len(wide) >= len(narrow) {
		return wide
	}
	return narrow
}

func scanNarrowRuns(data []byte) string {
	var (
		out strings.Builder
		run []byte
	)
	flush := func() {
		if len(run) >= minRunLength {
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			out.WriteString(strings.TrimSpace(string(run)))
		}
		run = run[:0]
	}
	for _, b := range data {
		if b == '\r' || b == '\n' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			run = append(run, b)
			continue
		}
		flush()
	}
	flush()
	return normalizeWhitespace(out.String())
}

func scanWideRuns(data []byte) string {
	var (
		out strings.Builder
		run []uint16
	)
	flush := func() {
		if len(run) >= minRunLength {
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			out.WriteString(strings.TrimSpace(string(utf16.Decode(run))))
		}
		run = run[:0]
	}
	for i := 0; i+1 < len(data); i += 2 {
		u := uint16(data[i]) | uint16(data[i+1])<<8
		r := rune(u)
		if r == '\r' || r == '\n' || r == '\t' || (isWideTextRune(r) && unicode.IsPrint(r)) {
			run = append(run, u)
			continue
		}
		flush()
	}
	flush()
	return normalizeWhitespace(out.String())
}

// isWideTextRune limits the UTF-16 scan to Latin and punctuation blocks so
// pairs of ASCII bytes are not misread as CJK code units.
func isWideTextRune(r rune) bool {
	return (r >= 0x20 && r <= 0x24f) || (r >= 0x2000 && r <= 0x206f)
}
