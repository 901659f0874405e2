// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package webhook implements webhook admission (C-ADM): the HTTP
// handler that verifies, rate-limits, and admits a forge push event
// into a queued job, handing it off to the worker without itself
// waiting on the execution gate.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ridgeline-ci/cicd-runner/internal/cicderrors"
	"github.com/ridgeline-ci/cicd-runner/internal/config"
	"github.com/ridgeline-ci/cicd-runner/internal/eventbus"
	"github.com/ridgeline-ci/cicd-runner/internal/ratelimit"
	"github.com/ridgeline-ci/cicd-runner/internal/store"
	"github.com/ridgeline-ci/cicd-runner/lib/clock"
)

// maxBodySize caps the accepted webhook payload. GitHub's documented
// maximum for push events is around 25 MB; 32 MB gives headroom.
const maxBodySize = 32 * 1024 * 1024

// pushPayload is the subset of a forge push event this admission
// handler understands. Fields not extracted here are ignored.
type pushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"repository"`
	HeadCommit struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Author  struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"author"`
	} `json:"head_commit"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// Enqueuer hands an admitted job to the worker that will run it
// through the pipeline. It must not block the admission request.
type Enqueuer func(job *store.Job, project config.Project)

// Handler is the http.Handler for the webhook path.
type Handler struct {
	config  *config.Store
	limiter *ratelimit.Limiter
	store   *store.Store
	bus     *eventbus.Bus
	enqueue Enqueuer
	clock   clock.Clock
	logger  *slog.Logger
}

// New creates a webhook Handler.
func New(cfg *config.Store, limiter *ratelimit.Limiter, st *store.Store, bus *eventbus.Bus, enqueue Enqueuer, c clock.Clock, logger *slog.Logger) *Handler {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{config: cfg, limiter: limiter, store: st, bus: bus, enqueue: enqueue, clock: c, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	switch eventType {
	case "push":
	case "ping":
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		http.Error(w, "unsupported event type", http.StatusBadRequest)
		return
	}

	dryRun := r.URL.Query().Get("dry_run") == "true" || strings.EqualFold(r.Header.Get("X-Dry-Run"), "true")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.logger.Error("webhook: read body failed", "error", err)
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		payloadErr := &cicderrors.PayloadError{Reason: "malformed JSON: " + err.Error()}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		h.logger.Debug("webhook: admission rejected", "error", payloadErr)
		return
	}

	branch, ok := branchFromRef(payload.Ref)
	if !ok {
		payloadErr := &cicderrors.PayloadError{Reason: fmt.Sprintf("ref %q is not a branch ref", payload.Ref)}
		http.Error(w, "not a branch ref", http.StatusBadRequest)
		h.logger.Debug("webhook: admission rejected", "error", payloadErr)
		return
	}

	snapshot := h.config.Current()
	project, ok := snapshot.ProjectByName(payload.Repository.Name)
	if !ok {
		notConfiguredErr := &cicderrors.NotConfigured{Reason: fmt.Sprintf("unknown project %q", payload.Repository.Name)}
		http.Error(w, "unknown project", http.StatusNotFound)
		h.logger.Debug("webhook: admission rejected", "error", notConfiguredErr)
		return
	}

	if !project.HasBranch(branch) {
		w.WriteHeader(http.StatusNoContent)
		fmt.Fprint(w, "branch not configured")
		return
	}

	if project.WithWebhookSecret {
		signature := r.Header.Get("X-Hub-Signature-256")
		if err := verifyHMAC([]byte(project.WebhookSecret), body, signature); err != nil {
			sigErr := &cicderrors.SignatureError{Reason: err.Error()}
			h.logger.Warn("webhook: admission rejected", "project", project.Name, "error", sigErr)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	result := h.limiter.Admit(project.Name, project.RateLimitRequests, secondsToDuration(project.RateLimitWindowSeconds))
	if !result.Admitted {
		rateLimitErr := &cicderrors.RateLimited{RetryAfter: result.RetryAfter}
		w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
		http.Error(w, rateLimitErr.Error(), http.StatusTooManyRequests)
		return
	}

	job, err := h.store.CreateJob(r.Context(), store.NewJobInput{
		ProjectName:       project.Name,
		Branch:            branch,
		CommitSHA:         payload.HeadCommit.ID,
		CommitMessage:     payload.HeadCommit.Message,
		CommitAuthorName:  payload.HeadCommit.Author.Name,
		CommitAuthorEmail: payload.HeadCommit.Author.Email,
		PusherName:        payload.Pusher.Name,
		RepositoryURL:     payload.Repository.URL,
		DryRun:            dryRun,
	})
	if err != nil {
		storageErr := &cicderrors.StorageError{Op: "create job", Err: err}
		h.logger.Error("webhook: admission failed", "project", project.Name, "error", storageErr)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.bus.PublishJob(eventbus.JobEvent{
		Type: eventbus.JobCreated, JobID: job.ID, ProjectName: job.ProjectName,
		Branch: job.Branch, Timestamp: h.clock.Now().UTC(),
	})
	h.enqueue(job, project)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"job_id": job.ID})
}

// branchFromRef extracts the branch name from a "refs/heads/<branch>"
// ref. Returns ok=false for any other ref shape (tags, notes, etc.).
func branchFromRef(ref string) (string, bool) {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	return strings.TrimPrefix(ref, prefix), true
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// verifyHMAC checks an HMAC-SHA256 signature of the form
// "sha256=<hex>" against body, in constant time.
func verifyHMAC(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return errors.New("webhook: secret is empty")
	}
	if signature == "" {
		return errors.New("webhook: signature header is missing")
	}

	hexSignature := strings.TrimPrefix(signature, "sha256=")
	signatureBytes, err := hex.DecodeString(hexSignature)
	if err != nil {
		return fmt.Errorf("webhook: invalid hex signature: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, signatureBytes) != 1 {
		return errors.New("webhook: signature mismatch")
	}
	return nil
}
