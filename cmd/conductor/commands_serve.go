package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/conductorai/conductor/internal/scheduler"
	"github.com/conductorai/conductor/pkg/models"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator with an HTTP ingest API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			return runServe(a, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "HTTP listen address")
	return cmd
}

func runServe(a *app, listen string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agents/{id}/messages", a.handlePostMessage)
	mux.HandleFunc("GET /v1/agents/{id}/messages", a.handleGetMessages)
	mux.HandleFunc("POST /v1/tasks", a.handlePostTask)
	mux.HandleFunc("GET /v1/tasks/{id}", a.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", a.handleCancelTask)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *http.Server
	if a.cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              a.cfg.Metrics.Listen,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("metrics listening", "addr", a.cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api listening", "addr", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		a.logger.Error("server failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	server.Shutdown(ctx)
	if metricsServer != nil {
		metricsServer.Shutdown(ctx)
	}
	return a.close(ctx)
}

func (a *app) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Content) == "" {
		httpError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Role:      models.RoleUser,
		Content:   body.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.AppendMessage(r.Context(), msg); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.sched.Notify(agentID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		httpError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"message_id": msg.ID,
		"seq":        msg.Seq,
	})
}

func (a *app) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	msgs, err := a.store.MessagesSince(r.Context(), agentID, 0)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *app) handlePostTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Objective string `json:"objective"`
		Subtasks  []struct {
			AgentID   string `json:"agent_id"`
			Objective string `json:"objective"`
		} `json:"subtasks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Objective) == "" {
		httpError(w, http.StatusBadRequest, "objective is required")
		return
	}

	subtasks := make([]orchestratorSubtask, 0, len(body.Subtasks))
	for _, st := range body.Subtasks {
		subtasks = append(subtasks, orchestratorSubtask{AgentID: st.AgentID, Objective: st.Objective})
	}

	syn, err := a.orchestrate(r.Context(), body.Objective, subtasks)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, syn)
}

func (a *app) handleGetTask(w http.ResponseWriter, r *http.Request) {
	tree, err := a.store.TaskTree(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (a *app) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := a.orch.Cancel(r.Context(), r.PathValue("id")); err != nil {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
