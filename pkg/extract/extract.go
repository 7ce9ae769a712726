// Package extract turns uploaded files into plain text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// ErrOCRUnavailable is returned for images when no OCR command is installed.
var ErrOCRUnavailable = errors.New("ocr command not available")

const defaultCommandTimeout = 2 * time.Minute

// Options configures an Extractor.
type Options struct {
	// OCRCommand is the tesseract-compatible binary used for images. Empty disables OCR.
	OCRCommand  string
	OCRLanguage string
	// PDFToText prefers the poppler pdftotext binary when it is installed.
	PDFToText      bool
	CommandTimeout time.Duration
}

// Extractor dispatches on media type and file extension.
type Extractor struct {
	opts Options
}

// New creates an Extractor.
func New(opts Options) *Extractor {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if strings.TrimSpace(opts.OCRLanguage) == "" {
		opts.OCRLanguage = "eng"
	}
	return &Extractor{opts: opts}
}

// Kind names the parser chosen for a file.
type Kind string

const (
	KindPDF      Kind = "pdf"
	KindEPUB     Kind = "epub"
	KindHTML     Kind = "html"
	KindDOCX     Kind = "docx"
	KindXLSX     Kind = "xlsx"
	KindMarkdown Kind = "markdown"
	KindImage    Kind = "image"
	KindText     Kind = "text"
)

// Detect picks a parser from the media type, falling back to the extension.
func Detect(mediaType, filename string) Kind {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	switch {
	case mt == "application/pdf":
		return KindPDF
	case mt == "application/epub+zip":
		return KindEPUB
	case mt == "text/html" || mt == "application/xhtml+xml":
		return KindHTML
	case mt == "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return KindDOCX
	case mt == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return KindXLSX
	case mt == "text/markdown" || mt == "text/x-markdown":
		return KindMarkdown
	case strings.HasPrefix(mt, "image/"):
		return KindImage
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return KindPDF
	case ".epub":
		return KindEPUB
	case ".html", ".htm", ".xhtml":
		return KindHTML
	case ".docx":
		return KindDOCX
	case ".xlsx":
		return KindXLSX
	case ".md", ".markdown":
		return KindMarkdown
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp", ".gif", ".webp":
		return KindImage
	}
	return KindText
}

// Extract returns normalized text for data. Empty text is not an error.
func (e *Extractor) Extract(ctx context.Context, data []byte, mediaType, filename string) (string, error) {
	kind := Detect(mediaType, filename)
	var (
		text string
		err  error
	)
	switch kind {
	case KindPDF:
		text, err = e.extractPDF(ctx, data)
	case KindEPUB:
		text, err = extractEPUB(data)
	case KindHTML:
		text, err = extractHTML(data)
	case KindDOCX:
		text, err = extractDOCX(data)
	case KindXLSX:
		text, err = extractXLSX(data)
	case KindMarkdown:
		text, err = extractMarkdown(data)
	case KindImage:
		text, err = e.extractImage(ctx, data)
	default:
		text = string(data)
	}
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", kind, err)
	}
	return normalizeText(text), nil
}

// normalizeText removes invisible and control characters, collapses
// horizontal whitespace, and keeps at most one blank line between paragraphs.
func normalizeText(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t':
			return r
		case '\u00A0', '\u2007', '\u202F':
			return ' '
		case '\uFEFF', '\u200B', '\u200C', '\u200D', '\u2060', '\u00AD':
			return -1
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
