// Package gcs archives processed documents in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/kirillkom/expense-pipeline/internal/infrastructure/resilience"
)

// objectWriter is the part of *storage.Writer the archive needs.
type objectWriter interface {
	io.WriteCloser
	Attrs() *storage.ObjectAttrs
}

type bucket interface {
	newWriter(ctx context.Context, name string) objectWriter
	attrs(ctx context.Context, name string) (*storage.ObjectAttrs, error)
}

type gcsBucket struct {
	handle *storage.BucketHandle
}

func (b gcsBucket) newWriter(ctx context.Context, name string) objectWriter {
	w := b.handle.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType(name)
	return w
}

func (b gcsBucket) attrs(ctx context.Context, name string) (*storage.ObjectAttrs, error) {
	return b.handle.Object(name).Attrs(ctx)
}

type Archive struct {
	client   *storage.Client
	bucket   bucket
	prefix   string
	executor *resilience.Executor
}

// NewArchive uses application default credentials.
func NewArchive(ctx context.Context, bucketName, prefix string, executor *resilience.Executor) (*Archive, error) {
	if strings.TrimSpace(bucketName) == "" {
		return nil, fmt.Errorf("gcs: bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &Archive{
		client:   client,
		bucket:   gcsBucket{handle: client.Bucket(bucketName)},
		prefix:   strings.Trim(prefix, "/"),
		executor: executor,
	}, nil
}

func (a *Archive) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// Upload writes the object only if it does not exist yet. An existing object counts as uploaded.
func (a *Archive) Upload(ctx context.Context, objectKey string, data io.Reader) (string, error) {
	name := a.objectName(objectKey)
	w := a.bucket.newWriter(ctx, name)

	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			slog.Info("archive_object_exists", "object", name)
			return "", nil
		}
		return "", resilience.WrapTemporary("gcs upload", fmt.Errorf("write gcs object %s: %w", name, err), classifyGCSError)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("archive_object_exists", "object", name)
			return "", nil
		}
		return "", resilience.WrapTemporary("gcs upload", fmt.Errorf("finalize gcs object %s: %w", name, err), classifyGCSError)
	}
	if attrs := w.Attrs(); attrs != nil {
		return attrs.Etag, nil
	}
	return "", nil
}

func (a *Archive) Exists(ctx context.Context, objectKey string) (bool, error) {
	name := a.objectName(objectKey)
	_, err := resilience.Call(ctx, a.executor, "gcs.attrs", func(callCtx context.Context) (*storage.ObjectAttrs, error) {
		return a.bucket.attrs(callCtx, name)
	}, classifyGCSError)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, resilience.WrapTemporary("gcs attrs", fmt.Errorf("stat gcs object %s: %w", name, err), classifyGCSError)
	}
}

func (a *Archive) objectName(key string) string {
	key = strings.TrimLeft(key, "/")
	if a.prefix == "" {
		return key
	}
	return path.Join(a.prefix, key)
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

func classifyGCSError(err error) resilience.ErrorClassification {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return resilience.ErrorClassification{}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if resilience.IsRetryableHTTPStatus(apiErr.Code) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{}
	}
	return resilience.ClassifyHTTPError(err)
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".xml":
		return "application/xml"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
