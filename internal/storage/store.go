// Package storage persists the companion library, session history and
// bookmarks. SQLiteStore serves local installs and PostgresStore the hosted
// deployment; both satisfy Store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	DefaultPageSize     = 10
	DefaultHistoryLimit = 10
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidCompanion = errors.New("invalid companion")
)

type Companion struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	Topic     string    `json:"topic"`
	Voice     string    `json:"voice"`
	Style     string    `json:"style"`
	Duration  int       `json:"duration"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the fields a companion needs before it can be stored.
func (c Companion) Validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"name", c.Name},
		{"subject", c.Subject},
		{"topic", c.Topic},
		{"voice", c.Voice},
		{"style", c.Style},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidCompanion, strings.Join(missing, ", "))
	}
	if c.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidCompanion)
	}
	return nil
}

type HistoryEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Companion Companion `json:"companion"`
}

// CompanionFilter selects a page of the library. Subject matches the subject
// column; Topic matches either the topic or the name. Both are
// case-insensitive substring matches.
type CompanionFilter struct {
	Subject string
	Topic   string
	Limit   int
	Page    int
}

func (f CompanionFilter) normalized() CompanionFilter {
	f.Subject = strings.TrimSpace(f.Subject)
	f.Topic = strings.TrimSpace(f.Topic)
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	return f
}

func (f CompanionFilter) offset() int {
	return (f.Page - 1) * f.Limit
}

type Store interface {
	CreateCompanion(ctx context.Context, c Companion) (Companion, error)
	ListCompanions(ctx context.Context, filter CompanionFilter) ([]Companion, error)
	GetCompanion(ctx context.Context, id string) (Companion, error)
	ListAuthorCompanions(ctx context.Context, author string) ([]Companion, error)
	CountAuthorCompanions(ctx context.Context, author string) (int, error)

	AppendHistory(ctx context.Context, companionID, userID string) error
	RecentSessions(ctx context.Context, limit int) ([]HistoryEntry, error)
	UserSessions(ctx context.Context, userID string, limit int) ([]HistoryEntry, error)

	AddBookmark(ctx context.Context, companionID, userID string) error
	RemoveBookmark(ctx context.Context, companionID, userID string) error
	IsBookmarked(ctx context.Context, companionID, userID string) (bool, error)
	BookmarkedIDs(ctx context.Context, userID string) ([]string, error)
	BookmarkedCompanions(ctx context.Context, userID string) ([]Companion, error)

	Close() error
}

// isMissingTable reports whether err means the queried table does not exist.
// Bookmarks are optional and degrade to empty results when absent.
func isMissingTable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "Could not find the table")
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

// likePattern escapes LIKE metacharacters and wraps s for a substring match.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
