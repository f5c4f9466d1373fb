package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/companionlab/companion/internal/auth"
	"github.com/companionlab/companion/internal/observe"
	"github.com/companionlab/companion/internal/storage"
)

type Deps struct {
	Store    storage.Store
	Sessions Sessions
	Hub      *Hub
	Auth     auth.Authenticator
	Metrics  *observe.Metrics

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

func Handler(d Deps) http.Handler {
	mux := http.NewServeMux()

	registerWSRoute(mux, d.Hub)
	registerAPIRoutes(mux, d.Store, d.Auth)
	registerSessionRoutes(mux, d.Sessions, d.Auth)
	if d.MetricsHandler != nil {
		mux.Handle("GET /metrics", d.MetricsHandler)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return observe.Middleware(d.Metrics)(mux)
}

// Serve runs the HTTP server until ctx is done, then shuts it down.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
