package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"video-pipeline/internal/config"
	"video-pipeline/internal/models"
	"video-pipeline/internal/payment"
	"video-pipeline/internal/pipeline"
	"video-pipeline/internal/quota"
	"video-pipeline/internal/ratelimit"
	"video-pipeline/internal/telemetry"
)

const (
	subscriptionDays   = 30
	subscriptionAmount = "199.00"
	subscriptionCcy    = "RUB"
)

// Server is the HTTP front door: uploads in, job snapshots and progress out.
type Server struct {
	cfg      config.Config
	coord    *pipeline.Coordinator
	ledger   *quota.Ledger
	payments *payment.Client
	limiter  *ratelimit.SubmitLimiter
}

// New constructs the API server. payments and limiter may be nil.
func New(cfg config.Config, coord *pipeline.Coordinator, ledger *quota.Ledger, payments *payment.Client, limiter *ratelimit.SubmitLimiter) *Server {
	return &Server{
		cfg:      cfg,
		coord:    coord,
		ledger:   ledger,
		payments: payments,
		limiter:  limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/events", s.handleEvents)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/release", s.handleRelease)

	r.Get("/users/{id}/balance", s.handleBalance)
	r.Post("/payments", s.handleCreatePayment)
	r.Post("/webhooks/payment", s.handlePaymentWebhook)

	return r
}

// handleSubmit accepts a multipart video upload and registers a job. The
// uploaded file is spooled into the storage root; the coordinator adopts it
// from there and owns its cleanup.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowSubmit(r.Context(), userID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "too many submissions", http.StatusTooManyRequests)
			return
		}
	}

	// Size is re-checked against probed metadata later; this guard just
	// stops oversized uploads from filling the spool.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1<<20)
	file, header, err := r.FormFile("video")
	if err != nil {
		http.Error(w, "multipart field 'video' is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	spool, err := s.spoolUpload(file, header.Filename)
	if err != nil {
		log.Printf("spool upload: %v", err)
		http.Error(w, "failed to store upload", http.StatusInternalServerError)
		return
	}

	job, err := s.coord.Submit(r.Context(), pipeline.SubmitRequest{
		InputPath:    spool,
		UserID:       userID,
		AddWatermark: r.FormValue("watermark") == "true" || r.FormValue("watermark") == "1",
	})
	if err != nil {
		os.Remove(spool)
		s.writeSubmitError(w, job, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) spoolUpload(src io.Reader, filename string) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		ext = "mp4"
	}
	path := filepath.Join(s.cfg.StorageRoot, fmt.Sprintf("upload_%s.%s", uuid.New().String(), ext))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(path)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) writeSubmitError(w http.ResponseWriter, job models.Job, err error) {
	status := http.StatusInternalServerError
	switch {
	case models.KindOf(err) == models.KindQuotaExhausted:
		status = http.StatusPaymentRequired
	case errors.Is(err, pipeline.ErrBusy):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"job":   job,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.coord.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleEvents returns progress events after the given sequence number, so a
// client reconnecting after a drop resumes where it left off.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.coord.Get(id); !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	after := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "after must be a sequence number", http.StatusBadRequest)
			return
		}
		after = parsed
	}
	events := s.coord.Progress().Since(id, after)
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Cancel(chi.URLParam(r, "id")); err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Release(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, pipeline.ErrJobActive) {
			http.Error(w, "job still running", http.StatusConflict)
			return
		}
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user, err := s.ledger.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type createPaymentRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil || !s.payments.Enabled() {
		http.Error(w, "payments are not configured", http.StatusNotImplemented)
		return
	}
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	p, err := s.payments.CreatePayment(r.Context(), payment.CreateRequest{
		UserID:      req.UserID,
		Tier:        models.TierPaid,
		AmountValue: subscriptionAmount,
		Currency:    subscriptionCcy,
		Description: fmt.Sprintf("%d-day subscription", subscriptionDays),
		ReturnURL:   s.cfg.SiteURL + "/paid",
	})
	if err != nil {
		log.Printf("create payment for %s: %v", req.UserID, err)
		http.Error(w, "payment gateway error", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"payment_id":       p.ID,
		"status":           p.Status,
		"confirmation_url": p.ConfirmationURL,
	})
}

// handlePaymentWebhook credits a subscription on a verified succeeded
// notification. Redeliveries are absorbed by the payment log, so the gateway
// can retry freely.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil || !s.payments.Enabled() {
		http.Error(w, "payments are not configured", http.StatusNotImplemented)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !s.payments.VerifyWebhookSignature(body, r.Header.Get("X-Signature")) {
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}
	ev, err := payment.ParseWebhook(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ev.Type != payment.EventPaymentSucceeded {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if ev.Payment.UserID == "" {
		http.Error(w, "payment missing user metadata", http.StatusBadRequest)
		return
	}
	expiry := time.Now().AddDate(0, 0, subscriptionDays)
	if err := s.ledger.CreditSubscription(r.Context(), ev.Payment.UserID, models.TierPaid, expiry, ev.Payment.ID); err != nil {
		log.Printf("credit subscription for %s: %v", ev.Payment.UserID, err)
		http.Error(w, "failed to credit subscription", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
