// Package dropdir reads attachments that a mail gateway drops on disk as
// <root>/<client group uuid>/<message id>/<file>.
package dropdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

type Reader struct {
	root string
}

func New(root string) *Reader {
	return &Reader{root: root}
}

// Fetch returns attachments modified after the group's watermark, oldest first.
// When limit cuts through attachments sharing a timestamp, those are left for the next pass
// so that advancing the watermark never skips a file.
func (r *Reader) Fetch(ctx context.Context, group *domain.ClientGroup, limit int) ([]domain.Attachment, error) {
	if strings.TrimSpace(group.UUID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "fetch mailbox", errors.New("client group uuid is empty"))
	}
	groupDir := filepath.Join(r.root, filepath.Base(group.UUID))

	var out []domain.Attachment
	err := filepath.WalkDir(groupDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == groupDir {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(r.root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		received := info.ModTime().UTC()
		if group.LastMailRead != nil && !received.After(*group.LastMailRead) {
			return nil
		}
		out = append(out, domain.Attachment{
			MessageID:  parts[1],
			FileName:   parts[2],
			Location:   filepath.ToSlash(rel),
			ReceivedAt: received,
			Size:       info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "fetch mailbox", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].Location < out[j].Location
	})
	return trimToLimit(out, limit), nil
}

func trimToLimit(items []domain.Attachment, limit int) []domain.Attachment {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	cut := limit
	boundary := items[limit].ReceivedAt
	for cut > 0 && items[cut-1].ReceivedAt.Equal(boundary) {
		cut--
	}
	if cut == 0 {
		return items[:limit]
	}
	return items[:cut]
}

func (r *Reader) Open(_ context.Context, attachment domain.Attachment) (io.ReadCloser, error) {
	path, err := r.path(attachment.Location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "open attachment", err)
		}
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	return f, nil
}

// Delete removes the attachment and its message directory once empty. A missing file is not an error.
func (r *Reader) Delete(_ context.Context, location string) error {
	path, err := r.path(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete attachment: %w", err)
	}
	_ = os.Remove(filepath.Dir(path))
	return nil
}

func (r *Reader) path(location string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(location)))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", domain.WrapError(domain.ErrInvalidInput, "mailbox path", fmt.Errorf("invalid location %q", location))
	}
	return filepath.Join(r.root, clean), nil
}
