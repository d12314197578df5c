package gcs

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

type writerFake struct {
	bucket   *bucketFake
	name     string
	buf      bytes.Buffer
	closeErr error
}

func (w *writerFake) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *writerFake) Close() error {
	if w.closeErr != nil {
		return w.closeErr
	}
	w.bucket.objects[w.name] = w.buf.String()
	return nil
}

func (w *writerFake) Attrs() *storage.ObjectAttrs {
	return &storage.ObjectAttrs{Name: w.name, Etag: "etag-" + w.name}
}

type bucketFake struct {
	objects  map[string]string
	closeErr error
	attrsErr error
}

func (b *bucketFake) newWriter(_ context.Context, name string) objectWriter {
	w := &writerFake{bucket: b, name: name, closeErr: b.closeErr}
	if _, ok := b.objects[name]; ok && w.closeErr == nil {
		w.closeErr = &googleapi.Error{Code: http.StatusPreconditionFailed}
	}
	return w
}

func (b *bucketFake) attrs(_ context.Context, name string) (*storage.ObjectAttrs, error) {
	if b.attrsErr != nil {
		return nil, b.attrsErr
	}
	if _, ok := b.objects[name]; !ok {
		return nil, storage.ErrObjectNotExist
	}
	return &storage.ObjectAttrs{Name: name}, nil
}

func TestUploadAndExists(t *testing.T) {
	fake := &bucketFake{objects: map[string]string{}}
	archive := &Archive{bucket: fake, prefix: "expenses"}

	etag, err := archive.Upload(context.Background(), "/2026/02/a.pdf", strings.NewReader("pdf"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if etag != "etag-expenses/2026/02/a.pdf" || fake.objects["expenses/2026/02/a.pdf"] != "pdf" {
		t.Fatalf("unexpected upload etag=%q objects=%v", etag, fake.objects)
	}

	exists, err := archive.Exists(context.Background(), "2026/02/a.pdf")
	if err != nil || !exists {
		t.Fatalf("expected object to exist, got %v err=%v", exists, err)
	}
	exists, err = archive.Exists(context.Background(), "2026/02/b.pdf")
	if err != nil || exists {
		t.Fatalf("expected missing object, got %v err=%v", exists, err)
	}
}

func TestUploadExistingObjectIsNotAnError(t *testing.T) {
	fake := &bucketFake{objects: map[string]string{"a.pdf": "old"}}
	archive := &Archive{bucket: fake}

	if _, err := archive.Upload(context.Background(), "a.pdf", strings.NewReader("new")); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if fake.objects["a.pdf"] != "old" {
		t.Fatalf("existing object was overwritten")
	}
}

func TestUploadErrors(t *testing.T) {
	fake := &bucketFake{objects: map[string]string{}, closeErr: &googleapi.Error{Code: http.StatusServiceUnavailable}}
	archive := &Archive{bucket: fake}
	_, err := archive.Upload(context.Background(), "a.pdf", strings.NewReader("x"))
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}

	fake = &bucketFake{objects: map[string]string{}, closeErr: &googleapi.Error{Code: http.StatusForbidden}}
	archive = &Archive{bucket: fake}
	_, err = archive.Upload(context.Background(), "a.pdf", strings.NewReader("x"))
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestExistsPropagatesErrors(t *testing.T) {
	archive := &Archive{bucket: &bucketFake{attrsErr: errors.New("boom")}}
	if _, err := archive.Exists(context.Background(), "a.pdf"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestContentType(t *testing.T) {
	if got := contentType("a/B.PDF"); got != "application/pdf" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := contentType("a.bin"); got != "application/octet-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
}
