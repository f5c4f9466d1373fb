package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Snapshotter writes a consistent copy of the database to path.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

type Uploader interface {
	Upload(ctx context.Context, localPath, name string) error
}

// Loop snapshots and uploads on a fixed interval. One Drive file is kept per
// UTC day and overwritten by later runs that day.
type Loop struct {
	source   Snapshotter
	uploader Uploader
	interval time.Duration
	dir      string
	now      func() time.Time
}

func NewLoop(source Snapshotter, uploader Uploader, interval time.Duration, dir string) *Loop {
	return &Loop{
		source:   source,
		uploader: uploader,
		interval: interval,
		dir:      dir,
		now:      time.Now,
	}
}

// Run blocks until ctx is done. A failed run is logged and retried on the
// next tick.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.RunOnce(ctx); err != nil {
				slog.Error("library backup failed", "error", err)
			}
		}
	}
}

func (l *Loop) RunOnce(ctx context.Context) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	path := filepath.Join(l.dir, "library-snapshot.db")
	if err := l.source.Snapshot(ctx, path); err != nil {
		return fmt.Errorf("snapshot library: %w", err)
	}
	defer func() { _ = os.Remove(path) }()

	name := fmt.Sprintf("companion-library-%s.db", l.now().UTC().Format("2006-01-02"))
	if err := l.uploader.Upload(ctx, path, name); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	slog.Info("library backup uploaded", "name", name)
	return nil
}
