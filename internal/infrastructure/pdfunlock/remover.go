package pdfunlock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/extractor/pdftext"
)

const DefaultMaxDigits = 6

var errWrongPassword = errors.New("wrong password")

// Remover strips encryption from stored PDFs. Owner-only protection is removed directly;
// user passwords are recovered by trying every numeric password of 1 to maxDigits digits.
type Remover struct {
	storage   ports.FileStorage
	maxDigits int
	decrypt   func(raw []byte, password string) ([]byte, error)
}

func NewRemover(storage ports.FileStorage, maxDigits int) *Remover {
	if maxDigits <= 0 {
		maxDigits = DefaultMaxDigits
	}
	return &Remover{storage: storage, maxDigits: maxDigits, decrypt: decryptWithPDFCPU}
}

func (r *Remover) RemovePassword(ctx context.Context, doc *domain.Document) error {
	if !pdftext.IsPDF(doc.FileName) {
		return nil
	}

	reader, err := r.storage.Open(ctx, doc.LocalPath)
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "open pdf", err)
	}
	raw, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "read pdf", err)
	}

	if !IsEncrypted(raw) {
		return nil
	}

	start := time.Now()
	plain, password, err := r.crack(ctx, raw)
	if err != nil {
		return err
	}
	if err := r.storage.Save(ctx, doc.LocalPath, bytes.NewReader(plain)); err != nil {
		return domain.WrapError(domain.ErrTemporary, "save decrypted pdf", err)
	}
	slog.Info("pdf_password_removed",
		"document_id", doc.ID,
		"file_name", doc.FileName,
		"password_length", len(password),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (r *Remover) crack(ctx context.Context, raw []byte) ([]byte, string, error) {
	plain, err := r.decrypt(raw, "")
	if err == nil {
		return plain, "", nil
	}
	if !errors.Is(err, errWrongPassword) {
		return nil, "", domain.WrapError(domain.ErrUnsupportedDocument, "decrypt pdf", err)
	}

	for digits := 1; digits <= r.maxDigits; digits++ {
		limit := pow10(digits)
		for n := 0; n < limit; n++ {
			if n%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, "", err
				}
			}
			password := fmt.Sprintf("%0*d", digits, n)
			plain, err := r.decrypt(raw, password)
			if err == nil {
				return plain, password, nil
			}
			if !errors.Is(err, errWrongPassword) {
				return nil, "", domain.WrapError(domain.ErrUnsupportedDocument, "decrypt pdf", err)
			}
		}
	}
	return nil, "", domain.WrapError(domain.ErrUnsupportedDocument, "decrypt pdf",
		errors.New("no numeric password up to "+strconv.Itoa(r.maxDigits)+" digits"))
}

// IsEncrypted looks for the trailer's /Encrypt entry.
func IsEncrypted(raw []byte) bool {
	return bytes.Contains(raw, []byte("/Encrypt"))
}

func decryptWithPDFCPU(raw []byte, password string) ([]byte, error) {
	conf := model.NewDefaultConfiguration()
	conf.UserPW = password
	conf.OwnerPW = password

	var out bytes.Buffer
	if err := api.Decrypt(bytes.NewReader(raw), &out, conf); err != nil {
		// pdfcpu reports a bad user password as "please provide the correct password".
		if strings.Contains(strings.ToLower(err.Error()), "password") {
			return nil, errWrongPassword
		}
		return nil, err
	}
	return out.Bytes(), nil
}

func pow10(n int) int {
	out := 1
	for i := 0; i < n; i++ {
		out *= 10
	}
	return out
}
