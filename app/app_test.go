package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/georgepadayatti/signflow/config"
	"github.com/georgepadayatti/signflow/storage/blob"
	"github.com/georgepadayatti/signflow/storage/store"
)

func TestBuildMemory(t *testing.T) {
	cfg, err := config.ParseConfig([]byte(`
provider:
  base-url: https://mysign.example.com
  client-id: signflow
  client-secret: secret
`))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	cfg.SetDefaults()

	a, err := Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer a.Close()

	if _, ok := a.Store.(*store.Memory); !ok {
		t.Errorf("Store = %T, want *store.Memory", a.Store)
	}
	if _, ok := a.Blobs.(*blob.Memory); !ok {
		t.Errorf("Blobs = %T, want *blob.Memory", a.Blobs)
	}
	if err := a.Migrate(context.Background()); err != nil {
		t.Errorf("Migrate on memory store failed: %v", err)
	}

	tests := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/documents/missing/signatures", ""},
		{http.MethodPost, "/documents/missing/start-sign", ""},
		{http.MethodPost, "/documents/missing/sign", ""},
		{http.MethodPost, "/documents/missing/signature-file?name=contract", "%PDF-1.7"},
	}
	routes := a.Server().Routes()
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("X-User-ID", "u1")
			rec := httptest.NewRecorder()
			routes.ServeHTTP(rec, req)
			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404 (body %s)", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"code":"not_found"`) {
				t.Errorf("body = %s, want not_found", rec.Body.String())
			}
		})
	}
}
