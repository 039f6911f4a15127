// Package gate implements the webhook ingestion gate: it authenticates
// inbound GitHub webhook deliveries, classifies them, and dispatches
// exactly one worker invocation per matching queued workflow job.
//
// The gate is stateless per request. The only cross-request state is
// the signing-secret cache owned by the secrets package.
package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/burst/internal/dispatch"
	"github.com/terrpan/burst/internal/job"
	"github.com/terrpan/burst/internal/secrets"
)

// GitHub webhook headers.
const (
	eventTypeHeader = "X-GitHub-Event"
	signatureHeader = "X-Hub-Signature-256"
)

// Event types the gate understands. Anything else falls through to the
// no-op acknowledgment branch, so unknown types fail safe.
const (
	eventPing        = "ping"
	eventWorkflowJob = "workflow_job"
)

// Skip reasons recorded on acknowledged-but-ignored deliveries.
const (
	skipEventType     = "event_type"
	skipAction        = "action"
	skipLabelMismatch = "label_mismatch"
)

// Config holds the parameters the gate needs.
type Config struct {
	// WebhookSecretName is the secret-store name of the webhook
	// signing secret.
	WebhookSecretName string

	// PoolLabels is this deployment's label set. A job is eligible only
	// if its requested labels contain every pool label.
	PoolLabels []string

	Secrets    secrets.Store
	Dispatcher dispatch.Dispatcher
	Logger     *slog.Logger
}

// Handler is the HTTP handler for webhook deliveries.
type Handler struct {
	secretName string
	poolLabels []string
	secrets    secrets.Store
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	eventsReceived metric.Int64Counter
	eventsRejected metric.Int64Counter
	eventsSkipped  metric.Int64Counter
	jobsDispatched metric.Int64Counter
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &Handler{
		secretName: cfg.WebhookSecretName,
		poolLabels: cfg.PoolLabels,
		secrets:    cfg.Secrets,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("burst/gate"),
		meter:      otel.Meter("burst/gate"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	h.eventsReceived, err = h.meter.Int64Counter(
		"burst.gate.events.received",
		metric.WithDescription("Total number of webhook deliveries received"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create eventsReceived counter", slog.String("error", err.Error()))
	}

	h.eventsRejected, err = h.meter.Int64Counter(
		"burst.gate.events.rejected",
		metric.WithDescription("Total number of deliveries rejected for bad authentication"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create eventsRejected counter", slog.String("error", err.Error()))
	}

	h.eventsSkipped, err = h.meter.Int64Counter(
		"burst.gate.events.skipped",
		metric.WithDescription("Total number of deliveries acknowledged without dispatch"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create eventsSkipped counter", slog.String("error", err.Error()))
	}

	h.jobsDispatched, err = h.meter.Int64Counter(
		"burst.gate.jobs.dispatched",
		metric.WithDescription("Total number of worker invocations dispatched"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsDispatched counter", slog.String("error", err.Error()))
	}

	return h
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// workflowJobEvent is the subset of the workflow_job event envelope the
// gate reads.
type workflowJobEvent struct {
	Action      string `json:"action"`
	WorkflowJob struct {
		ID     int64    `json:"id"`
		Name   string   `json:"name"`
		Status string   `json:"status"`
		Labels []string `json:"labels"`
	} `json:"workflow_job"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// ServeHTTP authenticates, classifies, and dispatches one webhook
// delivery. Responses: 200 acknowledged (matching or not), 401 bad
// signature, 500 dispatch failure (the only retryable response).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "gate.ServeHTTP")
	defer span.End()

	if h.eventsReceived != nil {
		h.eventsReceived.Add(ctx, 1)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Warn("failed to read request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	// -------------------------------------------------------------------
	// 1. Authenticate
	// -------------------------------------------------------------------
	if err := h.verifySignature(ctx, body, r.Header.Get(signatureHeader)); err != nil {
		span.SetAttributes(attribute.String("gate.outcome", "rejected"))
		if h.eventsRejected != nil {
			h.eventsRejected.Add(ctx, 1)
		}
		h.logger.Warn("webhook authentication failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	// -------------------------------------------------------------------
	// 2. Classify
	// -------------------------------------------------------------------
	eventType := r.Header.Get(eventTypeHeader)
	span.SetAttributes(attribute.String("gate.event_type", eventType))

	switch eventType {
	case eventPing:
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
		return

	case eventWorkflowJob:
		h.handleWorkflowJob(ctx, w, span, body)
		return

	default:
		// Unknown event types are acknowledged, never processed, so the
		// sender does not retry them.
		h.skip(ctx, span, skipEventType, slog.String("eventType", eventType))
		writeJSON(w, http.StatusOK, map[string]string{"message": "event ignored"})
		return
	}
}

func (h *Handler) handleWorkflowJob(ctx context.Context, w http.ResponseWriter, span trace.Span, body []byte) {
	var ev workflowJobEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		// Authenticated but malformed; acknowledge so the sender does
		// not retry a payload we will never parse.
		h.skip(ctx, span, skipEventType, slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, map[string]string{"message": "event ignored"})
		return
	}

	span.SetAttributes(
		attribute.String("gate.action", ev.Action),
		attribute.Int64("job.id", ev.WorkflowJob.ID),
		attribute.String("job.repo", ev.Repository.FullName),
	)

	if ev.Action != job.ActionQueued {
		h.skip(ctx, span, skipAction,
			slog.String("action", ev.Action),
			slog.Int64("jobID", ev.WorkflowJob.ID),
		)
		writeJSON(w, http.StatusOK, map[string]string{"message": "action ignored"})
		return
	}

	// -------------------------------------------------------------------
	// 3. Label match
	// -------------------------------------------------------------------
	if !labelsMatch(h.poolLabels, ev.WorkflowJob.Labels) {
		h.skip(ctx, span, skipLabelMismatch,
			slog.Int64("jobID", ev.WorkflowJob.ID),
			slog.Any("requested", ev.WorkflowJob.Labels),
			slog.Any("required", h.poolLabels),
		)
		writeJSON(w, http.StatusOK, map[string]string{"message": "labels do not match this pool"})
		return
	}

	// -------------------------------------------------------------------
	// 4. Dispatch
	// -------------------------------------------------------------------
	desc := &job.Descriptor{
		JobID:     ev.WorkflowJob.ID,
		OwnerRepo: ev.Repository.FullName,
		Labels:    ev.WorkflowJob.Labels,
		Action:    ev.Action,
	}

	// No retry on failure: an ambiguous retry could double-claim the
	// job. The sender retries on 500 and the upstream claim semantics
	// resolve duplicates.
	if err := h.dispatcher.Dispatch(ctx, desc); err != nil {
		span.SetAttributes(attribute.String("gate.outcome", "dispatch_failed"))
		h.logger.Error("dispatch failed",
			slog.Int64("jobID", desc.JobID),
			slog.String("repo", desc.OwnerRepo),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dispatch failed"})
		return
	}

	span.SetAttributes(attribute.String("gate.outcome", "dispatched"))
	if h.jobsDispatched != nil {
		h.jobsDispatched.Add(ctx, 1)
	}
	h.logger.Info("job dispatched",
		slog.Int64("jobID", desc.JobID),
		slog.String("repo", desc.OwnerRepo),
		slog.String("jobName", ev.WorkflowJob.Name),
	)
	writeJSON(w, http.StatusOK, map[string]string{"message": "job dispatched"})
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

// verifySignature checks the detached HMAC-SHA256 signature over the
// raw body. Missing header, missing secret, or mismatch all fail the
// same way -- the delivery is dropped unprocessed.
func (h *Handler) verifySignature(ctx context.Context, body []byte, signature string) error {
	if signature == "" {
		return errMissingSignature
	}

	secret, err := h.secrets.Get(ctx, h.secretName)
	if err != nil {
		return fmt.Errorf("fetching signing secret: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison.
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errSignatureMismatch
	}
	return nil
}

var (
	errMissingSignature  = errors.New("missing signature header")
	errSignatureMismatch = errors.New("signature mismatch")
)

// labelsMatch reports whether requested contains every label in
// required (case-sensitive set containment). Partial overlap is not a
// match: a job asking only for "self-hosted" must not be claimed by a
// pool that requires "self-hosted" plus its own identifier.
func labelsMatch(required, requested []string) bool {
	if len(required) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(requested))
	for _, l := range requested {
		set[l] = struct{}{}
	}
	for _, l := range required {
		if _, ok := set[l]; !ok {
			return false
		}
	}
	return true
}

func (h *Handler) skip(ctx context.Context, span trace.Span, reason string, attrs ...slog.Attr) {
	span.SetAttributes(attribute.String("gate.outcome", "skipped"), attribute.String("gate.skip_reason", reason))
	if h.eventsSkipped != nil {
		h.eventsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	h.logger.LogAttrs(ctx, slog.LevelDebug, "delivery acknowledged without dispatch",
		append([]slog.Attr{slog.String("reason", reason)}, attrs...)...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
