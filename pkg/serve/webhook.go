package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/holon-run/mergequeue/pkg/github"
	mqlog "github.com/holon-run/mergequeue/pkg/log"
	"github.com/holon-run/mergequeue/pkg/store"
)

// WebhookServer accepts GitHub webhook deliveries and appends them to the
// event stream. Processing happens in the scheduler; a delivery is
// acknowledged as soon as it is durably appended.
type WebhookServer struct {
	server *http.Server
	stream store.Stream
	secret []byte
	audit  *auditLog
	now    func() time.Time

	accepted atomic.Int64
	ignored  atomic.Int64
	rejected atomic.Int64
}

// WebhookConfig configures the webhook server
type WebhookConfig struct {
	Port int
	// Secret validates the X-Hub-Signature-256 header. Empty disables the
	// validation.
	Secret []byte
	Stream store.Stream
	// StateDir receives the deliveries.ndjson audit log. Empty disables it.
	StateDir string
}

// NewWebhookServer creates a new webhook server for GitHub events
func NewWebhookServer(cfg WebhookConfig) (*WebhookServer, error) {
	if cfg.Stream == nil {
		return nil, fmt.Errorf("event stream is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}

	ws := &WebhookServer{
		stream: cfg.Stream,
		secret: cfg.Secret,
		now:    time.Now,
	}
	audit, err := openAuditLog(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	ws.audit = audit

	ws.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws, nil
}

// Handler returns the HTTP routes of the server.
func (ws *WebhookServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", ws.handleWebhook)
	mux.HandleFunc("GET /health", ws.handleHealth)
	return mux
}

// Start begins accepting webhook requests
func (ws *WebhookServer) Start(ctx context.Context) error {
	mqlog.Info("webhook server listening", "addr", ws.server.Addr, "path", "/webhook")

	errChan := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("webhook server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		mqlog.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ws.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// Close closes the audit log
func (ws *WebhookServer) Close() error {
	return ws.audit.Close()
}

func (ws *WebhookServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 25<<20)
	rec := DeliveryRecord{Source: "github", ReceivedAt: ws.now().UTC()}

	eventType, deliveryID, payload, err := github.ReadWebhook(r, ws.secret)
	rec.ID, rec.Type = deliveryID, eventType
	if err != nil {
		ws.rejected.Add(1)
		rec.Status, rec.Reason = StatusRejected, err.Error()
		ws.audit.record(rec)
		mqlog.Warn("rejected webhook", "event", eventType, "delivery", deliveryID, "error", err)
		http.Error(w, "invalid payload", http.StatusUnauthorized)
		return
	}
	if deliveryID == "" {
		ws.rejected.Add(1)
		http.Error(w, "missing X-GitHub-Delivery", http.StatusBadRequest)
		return
	}

	ev, err := github.ParseWebhook(eventType, deliveryID, payload)
	if errors.Is(err, github.ErrIgnored) {
		ws.ignored.Add(1)
		rec.Status, rec.Reason = StatusIgnored, err.Error()
		ws.audit.record(rec)
		mqlog.Debug("webhook ignored", "event", eventType, "delivery", deliveryID)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": StatusIgnored})
		return
	}
	if err != nil {
		ws.rejected.Add(1)
		rec.Status, rec.Reason = StatusRejected, err.Error()
		ws.audit.record(rec)
		http.Error(w, "unprocessable payload", http.StatusBadRequest)
		return
	}
	ev.ReceivedAt = rec.ReceivedAt

	msg, err := ws.stream.Append(r.Context(), ev)
	if err != nil {
		mqlog.Error("failed to append webhook", "delivery", deliveryID, "error", err)
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}
	ws.accepted.Add(1)
	rec.Status, rec.Repo, rec.Kind = StatusAccepted, ev.Repo.String(), string(ev.Kind)
	rec.Stream, rec.Seq = msg.Stream, msg.Seq
	ws.audit.record(rec)
	mqlog.Debug("webhook accepted", "event", eventType, "delivery", deliveryID, "repo", rec.Repo, "seq", msg.Seq)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": StatusAccepted, "delivery": deliveryID})
}

func (ws *WebhookServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"time":     ws.now().UTC().Format(time.RFC3339Nano),
		"accepted": ws.accepted.Load(),
		"ignored":  ws.ignored.Load(),
		"rejected": ws.rejected.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
