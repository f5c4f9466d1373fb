package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/companionlab/companion/internal/auth"
	"github.com/companionlab/companion/internal/storage"
)

type companionRequest struct {
	Name     string `json:"name"`
	Subject  string `json:"subject"`
	Topic    string `json:"topic"`
	Voice    string `json:"voice"`
	Style    string `json:"style"`
	Duration int    `json:"duration"`
}

// listedCompanion marks library entries the caller has bookmarked.
type listedCompanion struct {
	storage.Companion
	Bookmarked bool `json:"bookmarked"`
}

func registerAPIRoutes(mux *http.ServeMux, store storage.Store, authn auth.Authenticator) {
	mux.HandleFunc("GET /api/companions", optionalAuth(authn, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		companions, err := store.ListCompanions(r.Context(), storage.CompanionFilter{
			Subject: q.Get("subject"),
			Topic:   q.Get("topic"),
			Limit:   queryInt(r, "limit"),
			Page:    queryInt(r, "page"),
		})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list companions: %v", err))
			return
		}

		bookmarked := map[string]bool{}
		if uid := userID(r); uid != "" {
			ids, err := store.BookmarkedIDs(r.Context(), uid)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list bookmarks: %v", err))
				return
			}
			for _, id := range ids {
				bookmarked[id] = true
			}
		}

		out := make([]listedCompanion, 0, len(companions))
		for _, c := range companions {
			out = append(out, listedCompanion{Companion: c, Bookmarked: bookmarked[c.ID]})
		}
		writeJSON(w, http.StatusOK, out)
	}))

	mux.HandleFunc("GET /api/companions/{id}", optionalAuth(authn, func(w http.ResponseWriter, r *http.Request) {
		c, err := store.GetCompanion(r.Context(), r.PathValue("id"))
		if err != nil {
			writeStoreError(w, "get companion", err)
			return
		}
		out := listedCompanion{Companion: c}
		if uid := userID(r); uid != "" {
			if out.Bookmarked, err = store.IsBookmarked(r.Context(), c.ID, uid); err != nil {
				writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("check bookmark: %v", err))
				return
			}
		}
		writeJSON(w, http.StatusOK, out)
	}))

	mux.HandleFunc("POST /api/companions", requireAuth(authn, func(w http.ResponseWriter, r *http.Request) {
		var req companionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		claims, _ := auth.ClaimsFrom(r.Context())
		count, err := store.CountAuthorCompanions(r.Context(), claims.UserID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("count companions: %v", err))
			return
		}
		if !auth.CanCreate(claims, count) {
			writeJSONError(w, http.StatusForbidden, "companion limit reached for your plan")
			return
		}

		created, err := store.CreateCompanion(r.Context(), storage.Companion{
			Name:     req.Name,
			Subject:  req.Subject,
			Topic:    req.Topic,
			Voice:    req.Voice,
			Style:    req.Style,
			Duration: req.Duration,
			Author:   claims.UserID,
		})
		if err != nil {
			writeStoreError(w, "create companion", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}))

	mux.HandleFunc("GET /api/me/companions", requireAuth(authn, func(w http.ResponseWriter, r *http.Request) {
		companions, err := store.ListAuthorCompanions(r.Context(), userID(r))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list author companions: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, nonNil(companions))
	}))

	mux.HandleFunc("GET /api/me/permissions", requireAuth(authn, func(w http.ResponseWriter, r *http.Request) {
		claims, _ := auth.ClaimsFrom(r.Context())
		count, err := store.CountAuthorCompanions(r.Context(), claims.UserID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("count companions: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"can_create": auth.CanCreate(claims, count),
			"limit":      auth.CompanionLimit(claims),
			"count":      count,
		})
	}))

	mux.HandleFunc("GET /api/history/recent", requireAuth(authn, func(w http.ResponseWriter, r *http.Request) {
		entries, err := store.RecentSessions(r.Context(), queryInt(r, "limit"))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("recent sessions: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, nonNil(entries))
	}))

	mux.HandleFunc("GET /api/me/history", requireAuth(authn, func(w http.ResponseWriter, r *http.Request) {
		entries, err := store.UserSessions(r.Context(), userID(r), queryInt(r, "limit"))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("user sessions: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, nonNil(entries))
	}))

	mux.HandleFunc("POST /api/companions/{id}/bookmark", requireAuth(authn, func(w http.ResponseWriter, r *http.Request) {
		if err := store.AddBookmark(r.Context(), r.PathValue("id"), userID(r)); err != nil {
			writeStoreError(w, "add bookmark", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("DELETE /api/companions/{id}/bookmark", requireAuth(authn, func(w http.ResponseWriter, r *http.Request) {
		if err := store.RemoveBookmark(r.Context(), r.PathValue("id"), userID(r)); err != nil {
			writeStoreError(w, "remove bookmark", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("GET /api/me/bookmarks", requireAuth(authn, func(w http.ResponseWriter, r *http.Request) {
		companions, err := store.BookmarkedCompanions(r.Context(), userID(r))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list bookmarks: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, nonNil(companions))
	}))
}

// queryInt returns the named query parameter, or 0 when absent or invalid.
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeStoreError(w http.ResponseWriter, action string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidCompanion):
		status = http.StatusBadRequest
	}
	writeJSONError(w, status, fmt.Sprintf("%s: %v", action, err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
