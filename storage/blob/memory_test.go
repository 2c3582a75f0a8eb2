package blob

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/georgepadayatti/signflow/workflow"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.clock = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, workflow.ErrBlobNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrBlobNotFound", err)
	}

	data := []byte("%PDF-1.7")
	if err := m.Put(ctx, "documents/d1/a.pdf", data, "application/pdf"); err != nil {
		t.Fatalf("Failed to put blob: %v", err)
	}
	data[0] = 'X'

	got, err := m.Get(ctx, "documents/d1/a.pdf")
	if err != nil {
		t.Fatalf("Failed to get blob: %v", err)
	}
	if string(got) != "%PDF-1.7" {
		t.Errorf("Get = %q, want %q", got, "%PDF-1.7")
	}
	got[0] = 'Y'
	again, _ := m.Get(ctx, "documents/d1/a.pdf")
	if again[0] != '%' {
		t.Error("Get returned shared storage")
	}
	if ct := m.ContentType("documents/d1/a.pdf"); ct != "application/pdf" {
		t.Errorf("ContentType = %q, want application/pdf", ct)
	}

	u, err := m.Presign(ctx, "documents/d1/a.pdf", time.Hour)
	if err != nil {
		t.Fatalf("Failed to presign: %v", err)
	}
	if !strings.HasPrefix(u, "memory:///documents/d1/a.pdf?") || !strings.Contains(u, "2026-01-02T04%3A04%3A05Z") {
		t.Errorf("Presign = %q", u)
	}

	if err := m.Delete(ctx, "documents/d1/a.pdf"); err != nil {
		t.Fatalf("Failed to delete blob: %v", err)
	}
	if _, err := m.Presign(ctx, "documents/d1/a.pdf", time.Hour); !errors.Is(err, workflow.ErrBlobNotFound) {
		t.Errorf("Presign after delete error = %v, want ErrBlobNotFound", err)
	}
	if err := m.Delete(ctx, "documents/d1/a.pdf"); err != nil {
		t.Errorf("Delete of missing blob = %v, want nil", err)
	}
}
