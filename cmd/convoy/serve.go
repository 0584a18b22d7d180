package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/convoyai/convoy/internal/engine"
	"github.com/convoyai/convoy/internal/service"
	"github.com/convoyai/convoy/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP conversation host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.shutdown(context.Background())

			mgr, err := rt.manager(nil)
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:    addr,
				Handler: newAPIHandler(mgr, rt),
			}
			errCh := make(chan error, 1)
			go func() {
				slog.Info("convoy host listening", "addr", addr)
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			slog.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}

// newAPIHandler exposes the conversation API:
//
//	GET  /healthz
//	GET  /metrics
//	GET  /conversations
//	GET  /conversations/{id}/events
//	GET  /conversations/{id}/state
//	POST /conversations/{id}/events   body: JSON array of events
func newAPIHandler(mgr *service.Manager, rt *runtime) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /conversations", func(w http.ResponseWriter, r *http.Request) {
		ids, err := mgr.Conversations(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, map[string]any{"conversations": ids})
	})

	mux.HandleFunc("GET /conversations/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		en, err := mgr.Engine(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, map[string]any{"events": en.Events()})
	})

	mux.HandleFunc("GET /conversations/{id}/state", func(w http.ResponseWriter, r *http.Request) {
		en, err := mgr.Engine(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		aug, err := en.State(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, aug)
	})

	mux.HandleFunc("POST /conversations/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		var batch []models.Event
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode batch: %w", err))
			return
		}
		en, err := mgr.Engine(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		added, err := en.AddEvents(r.Context(), batch...)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, engine.ErrValidation) {
				status = http.StatusUnprocessableEntity
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, map[string]any{"added": added})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
