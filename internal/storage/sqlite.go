package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout has fixed-width fractional seconds so stored timestamps sort
// lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const companionColumns = `c.id, c.name, c.subject, c.topic, c.voice, c.style, c.duration, c.author, c.created_at`

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "companion.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS companions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			subject TEXT NOT NULL,
			topic TEXT NOT NULL,
			voice TEXT NOT NULL,
			style TEXT NOT NULL,
			duration INTEGER NOT NULL DEFAULT 0,
			author TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create companions table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_history (
			id TEXT PRIMARY KEY,
			companion_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(companion_id) REFERENCES companions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create session_history table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS bookmarks (
			id TEXT PRIMARY KEY,
			companion_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(companion_id, user_id),
			FOREIGN KEY(companion_id) REFERENCES companions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create bookmarks table: %w", err)
	}

	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_companions_author ON companions(author)",
		"CREATE INDEX IF NOT EXISTS idx_companions_created_at ON companions(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_session_history_user ON session_history(user_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_bookmarks_user ON bookmarks(user_id)",
	} {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateCompanion(ctx context.Context, c Companion) (Companion, error) {
	if err := c.Validate(); err != nil {
		return Companion{}, err
	}
	if strings.TrimSpace(c.Author) == "" {
		return Companion{}, fmt.Errorf("%w: missing author", ErrInvalidCompanion)
	}

	c.ID = uuid.NewString()
	c.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO companions(id, name, subject, topic, voice, style, duration, author, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Subject, c.Topic, c.Voice, c.Style, c.Duration, c.Author,
		c.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return Companion{}, fmt.Errorf("create companion: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListCompanions(ctx context.Context, filter CompanionFilter) ([]Companion, error) {
	filter = filter.normalized()

	query := `SELECT ` + companionColumns + ` FROM companions c WHERE 1 = 1`
	var args []any
	if filter.Subject != "" {
		query += ` AND c.subject LIKE ? ESCAPE '\'`
		args = append(args, likePattern(filter.Subject))
	}
	if filter.Topic != "" {
		query += ` AND (c.topic LIKE ? ESCAPE '\' OR c.name LIKE ? ESCAPE '\')`
		args = append(args, likePattern(filter.Topic), likePattern(filter.Topic))
	}
	query += ` ORDER BY c.created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list companions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanCompanions(rows)
}

func (s *SQLiteStore) GetCompanion(ctx context.Context, id string) (Companion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+companionColumns+` FROM companions c WHERE c.id = ?`, id)

	c, err := scanCompanion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Companion{}, fmt.Errorf("companion %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Companion{}, fmt.Errorf("get companion %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) ListAuthorCompanions(ctx context.Context, author string) ([]Companion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+companionColumns+` FROM companions c WHERE c.author = ? ORDER BY c.created_at DESC`, author)
	if err != nil {
		return nil, fmt.Errorf("list companions for author %s: %w", author, err)
	}
	defer func() { _ = rows.Close() }()

	return scanCompanions(rows)
}

func (s *SQLiteStore) CountAuthorCompanions(ctx context.Context, author string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM companions WHERE author = ?`, author).Scan(&n); err != nil {
		return 0, fmt.Errorf("count companions for author %s: %w", author, err)
	}
	return n, nil
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, companionID, userID string) error {
	if strings.TrimSpace(companionID) == "" {
		return errors.New("companion id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_history(id, companion_id, user_id, created_at) VALUES(?, ?, ?, ?)`,
		uuid.NewString(), companionID, userID, s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("append session history for companion %s: %w", companionID, err)
	}
	return nil
}

func (s *SQLiteStore) RecentSessions(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT h.id, h.created_at, `+companionColumns+`
		 FROM session_history h JOIN companions c ON c.id = h.companion_id
		 ORDER BY h.created_at DESC LIMIT ?`, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanHistory(rows)
}

func (s *SQLiteStore) UserSessions(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT h.id, h.created_at, `+companionColumns+`
		 FROM session_history h JOIN companions c ON c.id = h.companion_id
		 WHERE h.user_id = ?
		 ORDER BY h.created_at DESC LIMIT ?`, userID, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query sessions for user %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	return scanHistory(rows)
}

func (s *SQLiteStore) AddBookmark(ctx context.Context, companionID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO bookmarks(id, companion_id, user_id, created_at) VALUES(?, ?, ?, ?)`,
		uuid.NewString(), companionID, userID, s.now().UTC().Format(timeLayout),
	)
	if isMissingTable(err) {
		slog.Warn("bookmarks table not found, cannot add bookmark")
		return nil
	}
	if err != nil {
		return fmt.Errorf("add bookmark for companion %s: %w", companionID, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveBookmark(ctx context.Context, companionID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM bookmarks WHERE companion_id = ? AND user_id = ?`, companionID, userID)
	if isMissingTable(err) {
		slog.Warn("bookmarks table not found, cannot remove bookmark")
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove bookmark for companion %s: %w", companionID, err)
	}
	return nil
}

func (s *SQLiteStore) IsBookmarked(ctx context.Context, companionID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM bookmarks WHERE companion_id = ? AND user_id = ? LIMIT 1`, companionID, userID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows), isMissingTable(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check bookmark for companion %s: %w", companionID, err)
	}
	return true, nil
}

func (s *SQLiteStore) BookmarkedIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT companion_id FROM bookmarks WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if isMissingTable(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query bookmarked ids for user %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bookmarked id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmarked ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) BookmarkedCompanions(ctx context.Context, userID string) ([]Companion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+companionColumns+`
		 FROM bookmarks b JOIN companions c ON c.id = b.companion_id
		 WHERE b.user_id = ?
		 ORDER BY b.created_at DESC`, userID)
	if isMissingTable(err) {
		return []Companion{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query bookmarked companions for user %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	return scanCompanions(rows)
}

// Snapshot writes a consistent copy of the database to path, replacing any
// existing file.
func (s *SQLiteStore) Snapshot(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove previous snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot database to %s: %w", path, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompanionInto(row rowScanner, c *Companion, extra ...any) error {
	var createdAt string
	dest := append(extra, &c.ID, &c.Name, &c.Subject, &c.Topic, &c.Voice, &c.Style, &c.Duration, &c.Author, &createdAt)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return fmt.Errorf("parse companion %s created_at: %w", c.ID, err)
	}
	c.CreatedAt = parsed
	return nil
}

func scanCompanion(row rowScanner) (Companion, error) {
	var c Companion
	if err := scanCompanionInto(row, &c); err != nil {
		return Companion{}, err
	}
	return c, nil
}

func scanCompanions(rows *sql.Rows) ([]Companion, error) {
	companions := make([]Companion, 0, 16)
	for rows.Next() {
		c, err := scanCompanion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan companion: %w", err)
		}
		companions = append(companions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate companion rows: %w", err)
	}
	return companions, nil
}

func scanHistory(rows *sql.Rows) ([]HistoryEntry, error) {
	entries := make([]HistoryEntry, 0, 16)
	for rows.Next() {
		var e HistoryEntry
		var createdAt string
		if err := scanCompanionInto(rows, &e.Companion, &e.ID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session history: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse session history %s created_at: %w", e.ID, err)
		}
		e.CreatedAt = parsed
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session history rows: %w", err)
	}
	return entries, nil
}
