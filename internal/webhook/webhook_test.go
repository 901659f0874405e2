// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ridgeline-ci/cicd-runner/internal/config"
	"github.com/ridgeline-ci/cicd-runner/internal/eventbus"
	"github.com/ridgeline-ci/cicd-runner/internal/ratelimit"
	"github.com/ridgeline-ci/cicd-runner/internal/store"
	"github.com/ridgeline-ci/cicd-runner/lib/clock"
)

const testWebhookSecret = "test-secret-for-hmac"

// signPayload computes the HMAC-SHA256 signature for a webhook body.
func signPayload(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// testRig wires a Handler against a real store and config, collecting
// whatever jobs it enqueues instead of running them.
type testRig struct {
	handler *Handler
	store   *store.Store

	mu       sync.Mutex
	enqueued []*store.Job
}

func newTestRig(t *testing.T, snapshot *config.Snapshot) *testRig {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db"), Logger: logger})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfgStore := config.NewStore(logger)
	cfgStore.Install(snapshot, "test")

	rig := &testRig{store: st}
	rig.handler = New(cfgStore, ratelimit.New(clock.Real()), st, eventbus.New(),
		func(job *store.Job, project config.Project) {
			rig.mu.Lock()
			defer rig.mu.Unlock()
			rig.enqueued = append(rig.enqueued, job)
		},
		clock.Real(), logger)
	return rig
}

func (r *testRig) enqueuedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.enqueued)
}

func testSnapshot(t *testing.T, project config.Project) *config.Snapshot {
	t.Helper()
	return &config.Snapshot{
		LoadedAt: time.Now().UTC(),
		Path:     "cicd_config.toml",
		Projects: map[string]config.Project{project.Name: project},
	}
}

func pushBody(t *testing.T, repoName, ref string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"ref": ref,
		"repository": map[string]string{
			"name": repoName,
			"url":  "https://example.com/" + repoName + ".git",
		},
		"head_commit": map[string]any{
			"id":      "abc123",
			"message": "a commit",
			"author":  map[string]string{"name": "dev", "email": "dev@example.com"},
		},
		"pusher": map[string]string{"name": "dev"},
	})
	if err != nil {
		t.Fatalf("marshal push body: %v", err)
	}
	return body
}

func TestWebhookRejectsNonPOST(t *testing.T) {
	rig := newTestRig(t, testSnapshot(t, config.Project{Name: "site", Branches: map[string]bool{"main": true}}))

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/webhook", nil)
			rec := httptest.NewRecorder()
			rig.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
			}
		})
	}
}

func TestWebhookRespondsNoContentToPing(t *testing.T) {
	rig := newTestRig(t, testSnapshot(t, config.Project{Name: "site", Branches: map[string]bool{"main": true}}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.Header.Set("X-GitHub-Event", "ping")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestWebhookRejectsUnsupportedEventType(t *testing.T) {
	rig := newTestRig(t, testSnapshot(t, config.Project{Name: "site", Branches: map[string]bool{"main": true}}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.Header.Set("X-GitHub-Event", "issues")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	rig := newTestRig(t, testSnapshot(t, config.Project{Name: "site", Branches: map[string]bool{"main": true}}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("not json"))
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhookRejectsNonBranchRef(t *testing.T) {
	rig := newTestRig(t, testSnapshot(t, config.Project{Name: "site", Branches: map[string]bool{"main": true}}))
	body := pushBody(t, "site", "refs/tags/v1.0.0")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhookRejectsUnknownProject(t *testing.T) {
	rig := newTestRig(t, testSnapshot(t, config.Project{Name: "site", Branches: map[string]bool{"main": true}}))
	body := pushBody(t, "other-repo", "refs/heads/main")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestWebhookNoContentForUnconfiguredBranch(t *testing.T) {
	rig := newTestRig(t, testSnapshot(t, config.Project{Name: "site", Branches: map[string]bool{"main": true}}))
	body := pushBody(t, "site", "refs/heads/feature-x")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rig.enqueuedCount() != 0 {
		t.Fatal("expected no job to be enqueued for an unconfigured branch")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	project := config.Project{
		Name: "site", Branches: map[string]bool{"main": true},
		WithWebhookSecret: true, WebhookSecret: testWebhookSecret,
		RateLimitRequests: 60, RateLimitWindowSeconds: 60,
	}
	rig := newTestRig(t, testSnapshot(t, project))
	body := pushBody(t, "site", "refs/heads/main")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=0000")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestWebhookAcceptsValidSignature(t *testing.T) {
	project := config.Project{
		Name: "site", Branches: map[string]bool{"main": true},
		WithWebhookSecret: true, WebhookSecret: testWebhookSecret,
		RateLimitRequests: 60, RateLimitWindowSeconds: 60,
	}
	rig := newTestRig(t, testSnapshot(t, project))
	body := pushBody(t, "site", "refs/heads/main")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signPayload([]byte(testWebhookSecret), body))
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	if rig.enqueuedCount() != 1 {
		t.Fatalf("expected exactly one enqueued job, got %d", rig.enqueuedCount())
	}
}

func TestWebhookEnforcesRateLimit(t *testing.T) {
	project := config.Project{
		Name: "site", Branches: map[string]bool{"main": true},
		RateLimitRequests: 1, RateLimitWindowSeconds: 60,
	}
	rig := newTestRig(t, testSnapshot(t, project))
	body := pushBody(t, "site", "refs/heads/main")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first request status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req2.Header.Set("X-GitHub-Event", "push")
	rec2 := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", rec2.Code, http.StatusTooManyRequests)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header on a rate-limited response")
	}
}

func TestWebhookDryRunQueryParamMarksJobDryRun(t *testing.T) {
	project := config.Project{
		Name: "site", Branches: map[string]bool{"main": true},
		RateLimitRequests: 60, RateLimitWindowSeconds: 60,
	}
	rig := newTestRig(t, testSnapshot(t, project))
	body := pushBody(t, "site", "refs/heads/main")

	req := httptest.NewRequest(http.MethodPost, "/webhook?dry_run=true", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	rig.mu.Lock()
	defer rig.mu.Unlock()
	if len(rig.enqueued) != 1 || !rig.enqueued[0].DryRun {
		t.Fatal("expected the enqueued job to be marked dry-run")
	}
}

func TestBranchFromRef(t *testing.T) {
	cases := []struct {
		ref    string
		branch string
		ok     bool
	}{
		{"refs/heads/main", "main", true},
		{"refs/heads/feature/x", "feature/x", true},
		{"refs/tags/v1.0.0", "", false},
		{"refs/notes/commits", "", false},
	}
	for _, c := range cases {
		branch, ok := branchFromRef(c.ref)
		if branch != c.branch || ok != c.ok {
			t.Errorf("branchFromRef(%q) = (%q, %v), want (%q, %v)", c.ref, branch, ok, c.branch, c.ok)
		}
	}
}

func TestVerifyHMAC(t *testing.T) {
	secret := []byte(testWebhookSecret)
	body := []byte(`{"ref":"refs/heads/main"}`)
	valid := signPayload(secret, body)

	if err := verifyHMAC(secret, body, valid); err != nil {
		t.Fatalf("expected valid signature to verify, got: %v", err)
	}
	if err := verifyHMAC(secret, body, "sha256=deadbeef"); err == nil {
		t.Fatal("expected a mismatched signature to fail")
	}
	if err := verifyHMAC(secret, body, ""); err == nil {
		t.Fatal("expected a missing signature to fail")
	}
}
