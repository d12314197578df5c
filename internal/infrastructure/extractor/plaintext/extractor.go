package plaintext

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
)

// xmlMarkers label fiscal XML by root element so the text is typed like the printed note.
var xmlMarkers = map[string]string{
	"nfeProc":  "NF-e",
	"NFe":      "NF-e",
	"cteProc":  "CT-e",
	"CTe":      "CT-e",
	"CompNfse": "NFS-e",
	"Nfse":     "NFS-e",
}

// Extractor reads text attachments as they are. Fiscal XML (NF-e, CT-e, NFS-e) is flattened
// into one "parent/field: value" line per leaf element.
type Extractor struct {
	storage ports.FileStorage
}

func NewExtractor(storage ports.FileStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) Extract(ctx context.Context, doc *domain.Document) (string, error) {
	reader, err := e.storage.Open(ctx, doc.LocalPath)
	if err != nil {
		return "", domain.WrapError(domain.ErrTemporary, "open source document", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", domain.WrapError(domain.ErrTemporary, "read source document", err)
	}
	if !utf8.Valid(raw) {
		return "", domain.WrapError(domain.ErrUnsupportedDocument, "extract text", fmt.Errorf("unsupported binary format: %s", doc.FileName))
	}

	raw = bytes.TrimSpace(raw)
	if !looksLikeXML(raw) {
		return string(raw), nil
	}
	text, err := flattenXML(raw)
	if err != nil {
		return "", domain.WrapError(domain.ErrUnsupportedDocument, "extract xml text", fmt.Errorf("%s: %w", doc.FileName, err))
	}
	return text, nil
}

func looksLikeXML(raw []byte) bool {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	return bytes.HasPrefix(raw, []byte("<?xml")) || bytes.HasPrefix(raw, []byte("<nfeProc")) || bytes.HasPrefix(raw, []byte("<NFe"))
}

func flattenXML(raw []byte) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	// Content is already known to be UTF-8 whatever the prolog declares.
	decoder.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }

	var (
		out   strings.Builder
		stack []string
	)
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := token.(type) {
		case xml.StartElement:
			if len(stack) == 0 {
				if marker, ok := xmlMarkers[t.Name.Local]; ok {
					out.WriteString(marker + " XML\n")
				}
			}
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			value := strings.TrimSpace(string(t))
			if value == "" || len(stack) == 0 {
				continue
			}
			out.WriteString(leafPath(stack))
			out.WriteString(": ")
			out.WriteString(value)
			out.WriteByte('\n')
		}
	}
	return strings.TrimSpace(out.String()), nil
}

func leafPath(stack []string) string {
	if len(stack) == 1 {
		return stack[0]
	}
	return stack[len(stack)-2] + "/" + stack[len(stack)-1]
}
