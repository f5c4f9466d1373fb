package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/companionlab/companion/internal/auth"
	"github.com/companionlab/companion/internal/call"
	"github.com/companionlab/companion/internal/recap"
	"github.com/companionlab/companion/internal/session"
	"github.com/companionlab/companion/internal/voice"
)

// Sessions is the mounted session view registry.
type Sessions interface {
	Mount(ctx context.Context, companionID, userID string) (*session.View, error)
	Unmount() error
	Current() (*session.View, error)
}

type mountRequest struct {
	CompanionID string `json:"companion_id"`
}

type startRequest struct {
	Microphone string `json:"microphone"`
}

func registerSessionRoutes(mux *http.ServeMux, sessions Sessions, authn auth.Authenticator) {
	mux.HandleFunc("POST /api/session", requireAuth(authn, func(w http.ResponseWriter, r *http.Request) {
		var req mountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CompanionID == "" {
			writeJSONError(w, http.StatusBadRequest, "companion_id is required")
			return
		}
		view, err := sessions.Mount(r.Context(), req.CompanionID, userID(r))
		if err != nil {
			writeStoreError(w, "mount session", err)
			return
		}
		writeJSON(w, http.StatusCreated, view.Snapshot())
	}))

	mux.HandleFunc("DELETE /api/session", requireAuth(authn, withView(sessions, func(w http.ResponseWriter, r *http.Request, _ *session.View) {
		if err := sessions.Unmount(); err != nil {
			writeSessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})))

	mux.HandleFunc("GET /api/session", requireAuth(authn, withView(sessions, func(w http.ResponseWriter, r *http.Request, view *session.View) {
		writeJSON(w, http.StatusOK, view.Snapshot())
	})))

	mux.HandleFunc("POST /api/session/start", requireAuth(authn, withView(sessions, func(w http.ResponseWriter, r *http.Request, view *session.View) {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := view.Start(r.Context(), call.ReportedMicrophone(req.Microphone)); err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, view.Snapshot())
	})))

	mux.HandleFunc("POST /api/session/stop", requireAuth(authn, withView(sessions, func(w http.ResponseWriter, r *http.Request, view *session.View) {
		if err := view.Stop(); err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view.Snapshot())
	})))

	mux.HandleFunc("POST /api/session/mute", requireAuth(authn, withView(sessions, func(w http.ResponseWriter, r *http.Request, view *session.View) {
		muted, err := view.ToggleMute()
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
	})))

	mux.HandleFunc("POST /api/session/recap", requireAuth(authn, withView(sessions, func(w http.ResponseWriter, r *http.Request, view *session.View) {
		text, err := view.Recap(r.Context())
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"recap": text})
	})))
}

// withView resolves the mounted view and checks it belongs to the caller.
func withView(sessions Sessions, next func(http.ResponseWriter, *http.Request, *session.View)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := sessions.Current()
		if err != nil {
			writeSessionError(w, err)
			return
		}
		if view.UserID() != userID(r) {
			writeJSONError(w, http.StatusForbidden, "session belongs to another user")
			return
		}
		next(w, r, view)
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNoSession):
		status = http.StatusNotFound
	case errors.Is(err, call.ErrNoActiveCall),
		errors.Is(err, call.ErrClosed),
		errors.Is(err, session.ErrCallInProgress):
		status = http.StatusConflict
	case errors.Is(err, voice.ErrMissingCredential),
		errors.Is(err, voice.ErrMissingVoiceID),
		errors.Is(err, voice.ErrMissingModel),
		errors.Is(err, recap.ErrTranscriptTooShort):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrRecapUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSONError(w, status, err.Error())
}
