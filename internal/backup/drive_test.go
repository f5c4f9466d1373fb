package backup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/option"
)

func TestDriveUploaderCreatesThenUpdates(t *testing.T) {
	var mu sync.Mutex
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"file-1","name":"companion-library-2026-05-01.db"}`))
	}))
	defer server.Close()

	ctx := context.Background()
	up, err := newDriveUploader(ctx, "folder-1", option.WithEndpoint(server.URL+"/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("newDriveUploader failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "snap.db")
	if err := os.WriteFile(path, []byte("bytes"), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	if err := up.Upload(ctx, path, "companion-library-2026-05-01.db"); err != nil {
		t.Fatalf("first upload failed: %v", err)
	}
	if err := up.Upload(ctx, path, "companion-library-2026-05-01.db"); err != nil {
		t.Fatalf("second upload failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %v", requests)
	}
	if !strings.HasPrefix(requests[0], "POST ") {
		t.Fatalf("expected create first, got %q", requests[0])
	}
	if !strings.HasPrefix(requests[1], "PATCH ") || !strings.Contains(requests[1], "file-1") {
		t.Fatalf("expected update of file-1, got %q", requests[1])
	}
}

func TestDriveUploaderMissingFile(t *testing.T) {
	up, err := newDriveUploader(context.Background(), "folder-1", option.WithEndpoint("http://127.0.0.1:0/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("newDriveUploader failed: %v", err)
	}
	if err := up.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.db"), "x.db"); err == nil {
		t.Fatal("expected open error")
	}
}

func TestNewDriveUploaderMissingCredentials(t *testing.T) {
	if _, err := NewDriveUploader(context.Background(), filepath.Join(t.TempDir(), "nope.json"), "folder"); err == nil {
		t.Fatal("expected credentials error")
	}
}
