// Package webhookd receives inbound tracker webhooks and turns them into
// queued sync jobs. Each webhook row owns an opaque receive token and an
// HMAC secret; every delivery is audited, accepted or not.
package webhookd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/worksync/worksync/internal/engine"
	"github.com/worksync/worksync/internal/queue"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/types"
	"github.com/worksync/worksync/internal/vault"
)

// maxBody caps inbound payloads at 1 MiB.
const maxBody = 1 << 20

// Server is the webhook intake endpoint.
type Server struct {
	store store.Store
	queue *queue.Queue
	mux   *chi.Mux

	httpServer *http.Server
}

// New builds the intake server and its routes.
func New(s store.Store, q *queue.Queue) *Server {
	srv := &Server{store: s, queue: q, mux: chi.NewRouter()}
	srv.mux.Use(middleware.Recoverer)
	srv.mux.Get("/healthz", srv.handleHealth)
	srv.mux.Post("/receive/{token}", srv.handleReceive)
	return srv
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler { return s.mux }

// receiveResponse is the JSON body for /receive results.
type receiveResponse struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"job_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// handleReceive processes one inbound delivery: resolve the token, cap and
// read the body, verify the signature, audit, and enqueue when everything
// holds. Unknown and inactive webhooks are indistinguishable from missing
// routes so tokens cannot be probed.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	hook, err := s.store.GetWebhookByToken(ctx, chi.URLParam(r, "token"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown webhook")
		return
	}
	if err != nil {
		log.Printf("webhookd: resolve token: %v", err)
		writeError(w, http.StatusInternalServerError, "webhook lookup failed")
		return
	}
	if !hook.Active {
		writeError(w, http.StatusNotFound, "unknown webhook")
		return
	}

	// Read one byte past the cap so truncation is detectable instead of
	// silently corrupting the signature check.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		s.audit(ctx, hook, &types.WebhookDelivery{Status: types.DeliveryError}, false)
		writeError(w, http.StatusInternalServerError, "read body failed")
		return
	}
	if len(body) > maxBody {
		s.audit(ctx, hook, &types.WebhookDelivery{Status: types.DeliveryError}, false)
		writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds 1 MiB")
		return
	}

	// Best effort: non-JSON payloads and payloads without an event field
	// leave the event empty, which an empty filter still admits.
	var probe struct {
		Event string `json:"event"`
	}
	_ = json.Unmarshal(body, &probe)

	sig := r.Header.Get("X-Hub-Signature-256")
	if sig == "" {
		sig = r.Header.Get("X-Webhook-Signature")
	}

	delivery := &types.WebhookDelivery{
		Event:          probe.Event,
		Payload:        body,
		Headers:        headerJSON(r.Header),
		SignatureValid: sig != "" && vault.VerifySignature(hook.Secret, body, sig),
	}

	if !delivery.SignatureValid {
		delivery.Status = types.DeliveryRejected
		s.audit(ctx, hook, delivery, false)
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}
	if !hook.AcceptsEvent(probe.Event) {
		delivery.Status = types.DeliveryRejected
		s.audit(ctx, hook, delivery, false)
		writeJSON(w, http.StatusAccepted, receiveResponse{Reason: "event type not subscribed"})
		return
	}

	jobID, err := s.queue.AddWithPayload(hook.SyncConfigID, engine.Options{Trigger: types.TriggeredWebhook}, body)
	if err != nil {
		log.Printf("webhookd: enqueue for webhook %q: %v", hook.Name, err)
		delivery.Status = types.DeliveryError
		s.audit(ctx, hook, delivery, false)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	delivery.Status = types.DeliveryAccepted
	s.audit(ctx, hook, delivery, true)
	writeJSON(w, http.StatusAccepted, receiveResponse{Accepted: true, JobID: jobID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// audit records the delivery row. Audit failure is logged, never fatal to
// the response already decided.
func (s *Server) audit(ctx context.Context, hook *types.Webhook, d *types.WebhookDelivery, bumpTrigger bool) {
	d.WebhookID = hook.ID
	if err := s.store.RecordDelivery(ctx, d, bumpTrigger); err != nil {
		log.Printf("webhookd: record delivery for %q: %v", hook.Name, err)
	}
}

func headerJSON(h http.Header) json.RawMessage {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, receiveResponse{Reason: reason})
}
