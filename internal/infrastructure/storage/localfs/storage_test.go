package localfs

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

func TestStorageRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	ctx := context.Background()

	if err := s.Save(ctx, "3/abc_nota.pdf", strings.NewReader("%PDF-1.7")); err != nil {
		t.Fatalf("save: %v", err)
	}
	ok, err := s.Exists(ctx, "3/abc_nota.pdf")
	if err != nil || !ok {
		t.Fatalf("expected file to exist, ok=%v err=%v", ok, err)
	}

	r, err := s.Open(ctx, "3/abc_nota.pdf")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	raw, _ := io.ReadAll(r)
	r.Close()
	if string(raw) != "%PDF-1.7" {
		t.Fatalf("unexpected content %q", raw)
	}

	if err := s.Remove(ctx, "3/abc_nota.pdf"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ctx, "3/abc_nota.pdf"); err != nil {
		t.Fatalf("removing a missing file must succeed: %v", err)
	}
	if ok, _ := s.Exists(ctx, "3/abc_nota.pdf"); ok {
		t.Fatalf("expected file gone")
	}
}

func TestStorageRejectsEscapingKeys(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	for _, key := range []string{"../outside.pdf", "/etc/passwd", ""} {
		if err := s.Save(context.Background(), key, strings.NewReader("x")); !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("key %q: expected invalid input, got %v", key, err)
		}
	}
}
