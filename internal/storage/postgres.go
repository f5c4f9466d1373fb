package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema creates the hosted tables. Bookmarks are optional: a
// deployment that never applies that statement still serves everything else.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS companions (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    subject    TEXT NOT NULL,
    topic      TEXT NOT NULL,
    voice      TEXT NOT NULL,
    style      TEXT NOT NULL,
    duration   INTEGER NOT NULL DEFAULT 0,
    author     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_companions_author ON companions(author);
CREATE TABLE IF NOT EXISTS session_history (
    id           TEXT PRIMARY KEY,
    companion_id TEXT NOT NULL REFERENCES companions(id) ON DELETE CASCADE,
    user_id      TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_session_history_user ON session_history(user_id, created_at);
CREATE TABLE IF NOT EXISTS bookmarks (
    id           TEXT PRIMARY KEY,
    companion_id TEXT NOT NULL REFERENCES companions(id) ON DELETE CASCADE,
    user_id      TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (companion_id, user_id)
);
`

const pgCompanionColumns = `c.id, c.name, c.subject, c.topic, c.voice, c.style, c.duration, c.author, c.created_at`

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db    DB
	close func()
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: pool, close: pool.Close}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func (s *PostgresStore) CreateCompanion(ctx context.Context, c Companion) (Companion, error) {
	if err := c.Validate(); err != nil {
		return Companion{}, err
	}
	if strings.TrimSpace(c.Author) == "" {
		return Companion{}, fmt.Errorf("%w: missing author", ErrInvalidCompanion)
	}

	c.ID = uuid.NewString()
	err := s.db.QueryRow(ctx,
		`INSERT INTO companions (id, name, subject, topic, voice, style, duration, author)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		c.ID, c.Name, c.Subject, c.Topic, c.Voice, c.Style, c.Duration, c.Author,
	).Scan(&c.CreatedAt)
	if err != nil {
		return Companion{}, fmt.Errorf("create companion: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCompanions(ctx context.Context, filter CompanionFilter) ([]Companion, error) {
	filter = filter.normalized()

	var (
		clauses []string
		args    []any
	)
	if filter.Subject != "" {
		args = append(args, likePattern(filter.Subject))
		clauses = append(clauses, fmt.Sprintf("c.subject ILIKE $%d", len(args)))
	}
	if filter.Topic != "" {
		args = append(args, likePattern(filter.Topic))
		clauses = append(clauses, fmt.Sprintf("(c.topic ILIKE $%d OR c.name ILIKE $%d)", len(args), len(args)))
	}

	query := `SELECT ` + pgCompanionColumns + ` FROM companions c`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	args = append(args, filter.Limit, filter.offset())
	query += fmt.Sprintf(` ORDER BY c.created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list companions: %w", err)
	}
	defer rows.Close()

	return collectCompanions(rows)
}

func (s *PostgresStore) GetCompanion(ctx context.Context, id string) (Companion, error) {
	var c Companion
	err := s.db.QueryRow(ctx,
		`SELECT `+pgCompanionColumns+` FROM companions c WHERE c.id = $1`, id,
	).Scan(companionDest(&c)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return Companion{}, fmt.Errorf("companion %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Companion{}, fmt.Errorf("get companion %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListAuthorCompanions(ctx context.Context, author string) ([]Companion, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+pgCompanionColumns+` FROM companions c WHERE c.author = $1 ORDER BY c.created_at DESC`, author)
	if err != nil {
		return nil, fmt.Errorf("list companions for author %s: %w", author, err)
	}
	defer rows.Close()

	return collectCompanions(rows)
}

func (s *PostgresStore) CountAuthorCompanions(ctx context.Context, author string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM companions WHERE author = $1`, author).Scan(&n); err != nil {
		return 0, fmt.Errorf("count companions for author %s: %w", author, err)
	}
	return n, nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, companionID, userID string) error {
	if strings.TrimSpace(companionID) == "" {
		return errors.New("companion id is required")
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO session_history (id, companion_id, user_id) VALUES ($1, $2, $3)`,
		uuid.NewString(), companionID, userID)
	if err != nil {
		return fmt.Errorf("append session history for companion %s: %w", companionID, err)
	}
	return nil
}

func (s *PostgresStore) RecentSessions(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT h.id, h.created_at, `+pgCompanionColumns+`
		 FROM session_history h JOIN companions c ON c.id = h.companion_id
		 ORDER BY h.created_at DESC LIMIT $1`, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	return collectHistory(rows)
}

func (s *PostgresStore) UserSessions(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT h.id, h.created_at, `+pgCompanionColumns+`
		 FROM session_history h JOIN companions c ON c.id = h.companion_id
		 WHERE h.user_id = $1
		 ORDER BY h.created_at DESC LIMIT $2`, userID, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query sessions for user %s: %w", userID, err)
	}
	defer rows.Close()

	return collectHistory(rows)
}

func (s *PostgresStore) AddBookmark(ctx context.Context, companionID, userID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO bookmarks (id, companion_id, user_id) VALUES ($1, $2, $3)
		 ON CONFLICT (companion_id, user_id) DO NOTHING`,
		uuid.NewString(), companionID, userID)
	if isMissingTable(err) {
		slog.Warn("bookmarks table not found, cannot add bookmark")
		return nil
	}
	if err != nil {
		return fmt.Errorf("add bookmark for companion %s: %w", companionID, err)
	}
	return nil
}

func (s *PostgresStore) RemoveBookmark(ctx context.Context, companionID, userID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM bookmarks WHERE companion_id = $1 AND user_id = $2`, companionID, userID)
	if isMissingTable(err) {
		slog.Warn("bookmarks table not found, cannot remove bookmark")
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove bookmark for companion %s: %w", companionID, err)
	}
	return nil
}

func (s *PostgresStore) IsBookmarked(ctx context.Context, companionID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bookmarks WHERE companion_id = $1 AND user_id = $2)`,
		companionID, userID).Scan(&exists)
	if isMissingTable(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check bookmark for companion %s: %w", companionID, err)
	}
	return exists, nil
}

func (s *PostgresStore) BookmarkedIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT companion_id FROM bookmarks WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if isMissingTable(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query bookmarked ids for user %s: %w", userID, err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bookmarked id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		if isMissingTable(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("iterate bookmarked ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) BookmarkedCompanions(ctx context.Context, userID string) ([]Companion, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+pgCompanionColumns+`
		 FROM bookmarks b JOIN companions c ON c.id = b.companion_id
		 WHERE b.user_id = $1
		 ORDER BY b.created_at DESC`, userID)
	if isMissingTable(err) {
		return []Companion{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query bookmarked companions for user %s: %w", userID, err)
	}
	defer rows.Close()

	companions, err := collectCompanions(rows)
	if isMissingTable(err) {
		return []Companion{}, nil
	}
	return companions, err
}

func companionDest(c *Companion) []any {
	return []any{&c.ID, &c.Name, &c.Subject, &c.Topic, &c.Voice, &c.Style, &c.Duration, &c.Author, &c.CreatedAt}
}

func collectCompanions(rows pgx.Rows) ([]Companion, error) {
	companions := make([]Companion, 0, 16)
	for rows.Next() {
		var c Companion
		if err := rows.Scan(companionDest(&c)...); err != nil {
			return nil, fmt.Errorf("scan companion: %w", err)
		}
		companions = append(companions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate companion rows: %w", err)
	}
	return companions, nil
}

func collectHistory(rows pgx.Rows) ([]HistoryEntry, error) {
	entries := make([]HistoryEntry, 0, 16)
	for rows.Next() {
		var e HistoryEntry
		var createdAt time.Time
		dest := append([]any{&e.ID, &createdAt}, companionDest(&e.Companion)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan session history: %w", err)
		}
		e.CreatedAt = createdAt
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session history rows: %w", err)
	}
	return entries, nil
}
