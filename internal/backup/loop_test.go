package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSnapshotter struct {
	err error
}

func (f *fakeSnapshotter) Snapshot(_ context.Context, path string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(path, []byte("sqlite bytes"), 0o644)
}

type upload struct {
	name    string
	content string
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	err     error
	done    chan struct{}
}

func (f *fakeUploader) Upload(_ context.Context, localPath, name string) error {
	if f.err != nil {
		return f.err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.uploads = append(f.uploads, upload{name: name, content: string(data)})
	f.mu.Unlock()
	if f.done != nil {
		select {
		case f.done <- struct{}{}:
		default:
		}
	}
	return nil
}

func TestRunOnceUploadsDatedSnapshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	up := &fakeUploader{}
	loop := NewLoop(&fakeSnapshotter{}, up, time.Hour, dir)
	loop.now = func() time.Time { return time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC) }

	if err := loop.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if len(up.uploads) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(up.uploads))
	}
	if up.uploads[0].name != "companion-library-2026-05-01.db" || up.uploads[0].content != "sqlite bytes" {
		t.Fatalf("unexpected upload %#v", up.uploads[0])
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected snapshot to be removed after upload, found %d files", len(entries))
	}
}

func TestRunOnceWrapsErrors(t *testing.T) {
	dir := t.TempDir()

	loop := NewLoop(&fakeSnapshotter{err: errors.New("locked")}, &fakeUploader{}, time.Hour, dir)
	if err := loop.RunOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "snapshot library") {
		t.Fatalf("expected snapshot error, got %v", err)
	}

	loop = NewLoop(&fakeSnapshotter{}, &fakeUploader{err: errors.New("quota")}, time.Hour, dir)
	if err := loop.RunOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "upload snapshot") {
		t.Fatalf("expected upload error, got %v", err)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	up := &fakeUploader{done: make(chan struct{}, 1)}
	loop := NewLoop(&fakeSnapshotter{}, up, 10*time.Millisecond, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	select {
	case <-up.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upload")
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
