// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads, validates, and holds the runner's declarative
// project configuration (C-CFG). A Snapshot is an immutable value
// holding the parsed project list and the raw TOML source; reloads
// install a new Snapshot atomically so an in-flight job keeps the
// snapshot that admitted it.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultStepTimeout is used for a project that does not set
// step_timeout_seconds.
const DefaultStepTimeout = 30 * time.Minute

const (
	defaultRateLimitRequests      = 60
	defaultRateLimitWindowSeconds = 60
)

// Project is the runtime, validated view of one [[project]] table.
// Project values are immutable once a Snapshot is built.
type Project struct {
	Name                   string
	RepoPath               string
	Branches               map[string]bool
	RunScript              string
	BranchScripts          map[string]string
	WithWebhookSecret      bool
	WebhookSecret          string
	ResetToRemote          bool
	RateLimitRequests      int
	RateLimitWindowSeconds int
	StepTimeout            time.Duration
	PreScript              string
	PostSuccessScript      string
	PostFailureScript      string
	PostAlwaysScript       string
}

// HasBranch reports whether branch is in the project's configured
// branch set.
func (p Project) HasBranch(branch string) bool { return p.Branches[branch] }

// RunScriptFor returns the script to execute for the main_script step,
// preferring a per-branch override.
func (p Project) RunScriptFor(branch string) string {
	if script, ok := p.BranchScripts[branch]; ok && script != "" {
		return script
	}
	return p.RunScript
}

// Snapshot is an immutable, validated configuration as of one load.
type Snapshot struct {
	LoadedAt time.Time
	Path     string
	RawTOML  string
	Projects map[string]Project
}

// ProjectByName looks up a project by its repository.name match key.
func (s *Snapshot) ProjectByName(name string) (Project, bool) {
	p, ok := s.Projects[name]
	return p, ok
}

// --- wire format ---

type document struct {
	Project []tomlProject `toml:"project"`
}

type tomlProject struct {
	Name                   string            `toml:"name"`
	RepoPath               string            `toml:"repo_path"`
	Branches               []string          `toml:"branches"`
	RunScript              string            `toml:"run_script"`
	BranchScripts          map[string]string `toml:"branch_scripts"`
	WithWebhookSecret      bool              `toml:"with_webhook_secret"`
	WebhookSecret          string            `toml:"webhook_secret"`
	ResetToRemote          *bool             `toml:"reset_to_remote"`
	RateLimitRequests      *int              `toml:"rate_limit_requests"`
	RateLimitWindowSeconds *int              `toml:"rate_limit_window_seconds"`
	StepTimeoutSeconds     *int              `toml:"step_timeout_seconds"`
	PreScript              string            `toml:"pre_script"`
	PostSuccessScript      string            `toml:"post_success_script"`
	PostFailureScript      string            `toml:"post_failure_script"`
	PostAlwaysScript       string            `toml:"post_always_script"`
}

// ValidationError aggregates every validation violation found in a
// single load, rather than stopping at the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	msg := "config validation failed:"
	for _, v := range e.Violations {
		msg += "\n  - " + v
	}
	return msg
}

// Load reads and validates the TOML project configuration at path.
// The returned Snapshot's RawTOML is the unmodified file content, so a
// later reload of identical bytes produces field-for-field identical
// Projects.
func Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(string(raw), path)
}

// Parse validates raw TOML text without touching the filesystem. path
// is recorded on the returned Snapshot for display purposes only.
func Parse(raw, path string) (*Snapshot, error) {
	var doc document
	if _, err := toml.Decode(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing toml: %w", err)
	}

	var violations []string
	seen := make(map[string]bool, len(doc.Project))
	projects := make(map[string]Project, len(doc.Project))

	for _, tp := range doc.Project {
		if seen[tp.Name] {
			violations = append(violations, fmt.Sprintf("duplicate project name %q", tp.Name))
			continue
		}
		seen[tp.Name] = true

		if len(tp.Branches) == 0 {
			violations = append(violations, fmt.Sprintf("project %q: branches must not be empty", tp.Name))
		}
		if tp.WithWebhookSecret && tp.WebhookSecret == "" {
			violations = append(violations, fmt.Sprintf("project %q: with_webhook_secret is true but webhook_secret is empty", tp.Name))
		}
		if !filepath.IsAbs(tp.RepoPath) {
			violations = append(violations, fmt.Sprintf("project %q: repo_path %q is not absolute", tp.Name, tp.RepoPath))
		}
		if tp.RateLimitRequests != nil && *tp.RateLimitRequests == 0 {
			violations = append(violations, fmt.Sprintf("project %q: rate_limit_requests must not be zero", tp.Name))
		}
		if tp.RateLimitWindowSeconds != nil && *tp.RateLimitWindowSeconds == 0 {
			violations = append(violations, fmt.Sprintf("project %q: rate_limit_window_seconds must not be zero", tp.Name))
		}

		branchSet := make(map[string]bool, len(tp.Branches))
		for _, b := range tp.Branches {
			branchSet[b] = true
		}

		resetToRemote := true
		if tp.ResetToRemote != nil {
			resetToRemote = *tp.ResetToRemote
		}
		rateLimitRequests := defaultRateLimitRequests
		if tp.RateLimitRequests != nil && *tp.RateLimitRequests != 0 {
			rateLimitRequests = *tp.RateLimitRequests
		}
		rateLimitWindow := defaultRateLimitWindowSeconds
		if tp.RateLimitWindowSeconds != nil && *tp.RateLimitWindowSeconds != 0 {
			rateLimitWindow = *tp.RateLimitWindowSeconds
		}
		stepTimeout := DefaultStepTimeout
		if tp.StepTimeoutSeconds != nil && *tp.StepTimeoutSeconds > 0 {
			stepTimeout = time.Duration(*tp.StepTimeoutSeconds) * time.Second
		}

		projects[tp.Name] = Project{
			Name:                   tp.Name,
			RepoPath:               tp.RepoPath,
			Branches:               branchSet,
			RunScript:              tp.RunScript,
			BranchScripts:          tp.BranchScripts,
			WithWebhookSecret:      tp.WithWebhookSecret,
			WebhookSecret:          tp.WebhookSecret,
			ResetToRemote:          resetToRemote,
			RateLimitRequests:      rateLimitRequests,
			RateLimitWindowSeconds: rateLimitWindow,
			StepTimeout:            stepTimeout,
			PreScript:              tp.PreScript,
			PostSuccessScript:      tp.PostSuccessScript,
			PostFailureScript:      tp.PostFailureScript,
			PostAlwaysScript:       tp.PostAlwaysScript,
		}
	}

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	return &Snapshot{
		LoadedAt: time.Now().UTC(),
		Path:     path,
		RawTOML:  raw,
		Projects: projects,
	}, nil
}

// Store holds the currently active Snapshot behind an atomic pointer.
// Reads never block and never observe a half-installed configuration;
// Install swaps the pointer in one atomic store.
type Store struct {
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger
}

// NewStore creates a Store with no active snapshot. Call Install
// before Current is called.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{logger: logger}
}

// Current returns the active snapshot, or nil if none has been
// installed yet.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Install atomically replaces the active snapshot.
func (s *Store) Install(snap *Snapshot, reason string) {
	s.current.Store(snap)
	s.logger.Info("config snapshot installed",
		"reason", reason,
		"projects", len(snap.Projects),
		"path", snap.Path,
	)
}
