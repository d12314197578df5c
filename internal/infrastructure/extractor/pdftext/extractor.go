package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
)

// Extractor reads the text layer of PDF documents and hands every other file to fallback.
type Extractor struct {
	storage  ports.FileStorage
	fallback ports.TextExtractor
}

func NewExtractor(storage ports.FileStorage, fallback ports.TextExtractor) *Extractor {
	return &Extractor{storage: storage, fallback: fallback}
}

func (e *Extractor) Extract(ctx context.Context, doc *domain.Document) (string, error) {
	if !IsPDF(doc.FileName) {
		if e.fallback == nil {
			return "", domain.WrapError(domain.ErrUnsupportedDocument, "extract text", fmt.Errorf("unsupported file type: %s", doc.FileName))
		}
		return e.fallback.Extract(ctx, doc)
	}

	reader, err := e.storage.Open(ctx, doc.LocalPath)
	if err != nil {
		return "", domain.WrapError(domain.ErrTemporary, "open pdf", err)
	}
	raw, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return "", domain.WrapError(domain.ErrTemporary, "read pdf", err)
	}

	text, err := TextLayer(raw)
	if err != nil {
		return "", domain.WrapError(domain.ErrUnsupportedDocument, "extract pdf text", err)
	}
	return text, nil
}

// TextLayer returns the concatenated plain text of all pages.
// Scanned PDFs without a text layer yield an empty string.
func TextLayer(raw []byte) (text string, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(raw, "\x00\t\r\n "), []byte("%PDF")) {
		return "", fmt.Errorf("missing pdf header")
	}

	// The parser panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read text layer: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("read text layer: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func IsPDF(fileName string) bool {
	return strings.EqualFold(filepath.Ext(fileName), ".pdf")
}
