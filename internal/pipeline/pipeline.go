// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the pipeline executor (C-PX): the fixed
// ordered sequence of git and script steps that carries one job from
// admission to a terminal status, with bounded output capture and
// event publication.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ridgeline-ci/cicd-runner/internal/cicderrors"
	"github.com/ridgeline-ci/cicd-runner/internal/config"
	"github.com/ridgeline-ci/cicd-runner/internal/eventbus"
	"github.com/ridgeline-ci/cicd-runner/internal/outputbuf"
	"github.com/ridgeline-ci/cicd-runner/internal/store"
	"github.com/ridgeline-ci/cicd-runner/lib/clock"
)

// Step kinds, in the order they may appear within one job.
const (
	GitFetch    = "git_fetch"
	GitReset    = "git_reset"
	GitSwitch   = "git_switch"
	GitPull     = "git_pull"
	PreScript   = "pre_script"
	MainScript  = "main_script"
	PostSuccess = "post_success"
	PostFailure = "post_failure"
	PostAlways  = "post_always"
)

// plannedStep is one entry of the fixed sequence before it is run. It
// exists independently of execution so dry-run jobs can record the
// exact same sequence a real job would have taken.
type plannedStep struct {
	kind    string
	command string
}

// plan builds the ordered step sequence for a job against its
// project. Optional steps (git_reset, pre_script, post_success,
// post_failure, post_always) are included only when the project
// configures them — main_script's outcome is not known yet at plan
// time, so both post_success and post_failure are included here and
// the driver picks the one that actually runs.
func plan(job *store.Job, project config.Project) []plannedStep {
	steps := []plannedStep{
		{GitFetch, "git fetch --all --prune"},
	}
	if project.ResetToRemote {
		steps = append(steps, plannedStep{GitReset, "git reset --hard origin/" + job.Branch})
	}
	steps = append(steps,
		plannedStep{GitSwitch, "git switch " + job.Branch + " || git checkout " + job.Branch},
		plannedStep{GitPull, "git pull origin " + job.Branch},
	)
	if project.PreScript != "" {
		steps = append(steps, plannedStep{PreScript, project.PreScript})
	}
	steps = append(steps, plannedStep{MainScript, project.RunScriptFor(job.Branch)})
	if project.PostSuccessScript != "" {
		steps = append(steps, plannedStep{PostSuccess, project.PostSuccessScript})
	}
	if project.PostFailureScript != "" {
		steps = append(steps, plannedStep{PostFailure, project.PostFailureScript})
	}
	if project.PostAlwaysScript != "" {
		steps = append(steps, plannedStep{PostAlways, project.PostAlwaysScript})
	}
	return steps
}

// Executor drives jobs through the pipeline.
type Executor struct {
	store  *store.Store
	bus    *eventbus.Bus
	clock  clock.Clock
	logger *slog.Logger
}

// New creates an Executor.
func New(st *store.Store, bus *eventbus.Bus, c clock.Clock, logger *slog.Logger) *Executor {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{store: st, bus: bus, clock: c, logger: logger}
}

// Run drives job through the full pipeline and finalizes it in the
// store. ctx bounds the whole job; each step additionally applies the
// project's configured step timeout.
func (e *Executor) Run(ctx context.Context, job *store.Job, project config.Project) {
	startedAt, err := e.store.MarkRunning(ctx, job.ID)
	if err != nil {
		e.logger.Error("pipeline: mark running failed", "job_id", job.ID, "error", err)
		return
	}
	e.bus.PublishJob(eventbus.JobEvent{
		Type: eventbus.JobRunning, JobID: job.ID, ProjectName: job.ProjectName,
		Branch: job.Branch, Timestamp: e.clock.Now().UTC(),
	})

	jobOutput := outputbuf.New(outputbuf.DefaultJobCap)

	if job.DryRun {
		e.runDryRun(ctx, job, project)
		e.finalize(ctx, job, startedAt, store.JobSuccess, jobOutput, "")
		return
	}

	baseEnv := map[string]string{
		"CICD_PROJECT_NAME": job.ProjectName,
		"CICD_BRANCH":       job.Branch,
		"CICD_COMMIT_SHA":   job.CommitSHA,
		"CICD_COMMIT_AUTHOR": job.CommitAuthorName,
		"CICD_JOB_ID":       job.ID,
		"CICD_REPO_PATH":    project.RepoPath,
	}

	steps := plan(job, project)
	sequence := 0
	jobFailed := false
	pipelineFailed := false
	mainExitCode := -1
	mainRan := false

	runOne := func(kind, command string, extraEnv map[string]string) (exitCode int, ok bool) {
		sequence++
		env := make(map[string]string, len(baseEnv)+len(extraEnv))
		for k, v := range baseEnv {
			env[k] = v
		}
		for k, v := range extraEnv {
			env[k] = v
		}

		stepCtx, cancel := context.WithTimeout(ctx, project.StepTimeout)
		defer cancel()

		code, err := e.runStep(stepCtx, job, sequence, kind, command, project.RepoPath, env, jobOutput)
		if err != nil {
			e.logger.Warn("pipeline: step spawn error", "job_id", job.ID, "step", kind, "error", err)
			return -1, false
		}
		return code, code == 0
	}

	for _, step := range steps {
		switch step.kind {
		case GitFetch, GitReset, GitSwitch, GitPull, PreScript:
			if jobFailed {
				continue
			}
			if _, ok := runOne(step.kind, step.command, nil); !ok {
				jobFailed = true
			}

		case MainScript:
			if !jobFailed {
				mainRan = true
				code, ok := runOne(step.kind, step.command, nil)
				mainExitCode = code
				if !ok {
					jobFailed = true
				}
			}
			// Freeze the pass/fail verdict the moment the pipeline proper
			// (git steps, pre_script, main_script) finishes, before any
			// hook runs. post_success and post_failure are mutually
			// exclusive and must pick sides on this verdict alone, not on
			// jobFailed as hooks go on to mutate it.
			pipelineFailed = jobFailed

		case PostSuccess:
			if !mainRan || pipelineFailed {
				continue
			}
			hookEnv := map[string]string{"CICD_MAIN_SCRIPT_EXIT_CODE": exitCodeEnv(mainExitCode)}
			if _, ok := runOne(step.kind, step.command, hookEnv); !ok {
				jobFailed = true
			}

		case PostFailure:
			if !pipelineFailed {
				continue
			}
			hookEnv := map[string]string{}
			if mainRan {
				hookEnv["CICD_MAIN_SCRIPT_EXIT_CODE"] = exitCodeEnv(mainExitCode)
			}
			runOne(step.kind, step.command, hookEnv)

		case PostAlways:
			hookEnv := map[string]string{}
			if mainRan {
				hookEnv["CICD_MAIN_SCRIPT_EXIT_CODE"] = exitCodeEnv(mainExitCode)
			}
			if _, ok := runOne(step.kind, step.command, hookEnv); !ok {
				jobFailed = true
			}
		}
	}

	status := store.JobSuccess
	if jobFailed {
		status = store.JobFailed
	}
	errMsg := ""
	if jobFailed {
		errMsg = fmt.Sprintf("pipeline failed at sequence %d", sequence)
	}
	e.finalize(ctx, job, startedAt, status, jobOutput, errMsg)
}

func (e *Executor) runDryRun(ctx context.Context, job *store.Job, project config.Project) {
	for i, step := range plan(job, project) {
		if err := e.store.CreateSkippedStep(ctx, job.ID, i+1, step.kind, step.command); err != nil {
			e.logger.Error("pipeline: create skipped step failed", "job_id", job.ID, "error", err)
		}
	}
}

// runStep creates the step row, executes the command, captures output
// into both the step and job buffers, publishes log-chunk events, and
// finalizes the step row. The row is finalized even when ctx has
// already expired, so a timed-out step still records its exit code.
func (e *Executor) runStep(ctx context.Context, job *store.Job, sequence int, kind, command, dir string, env map[string]string, jobOutput *outputbuf.Buffer) (int, error) {
	stepID, err := e.store.CreateStep(ctx, job.ID, sequence, kind, command)
	if err != nil {
		return -1, fmt.Errorf("create step: %w", err)
	}
	startedAt := e.clock.Now().UTC()

	stepOutput := outputbuf.New(outputbuf.DefaultStepCap)
	writer := &fanoutWriter{
		step: stepOutput,
		job:  jobOutput,
		publish: func(chunk string) {
			e.bus.PublishLogChunk(eventbus.LogChunkEvent{
				JobID: job.ID, StepType: kind, Chunk: chunk, Timestamp: e.clock.Now().UTC(),
			})
		},
	}

	code, runErr := runShellCommand(ctx, dir, command, env, writer)

	status := store.StepSuccess
	if code != 0 {
		status = store.StepFailed
		e.logger.Warn("pipeline: step failed", "job_id", job.ID, "error", &cicderrors.StepFailure{Step: kind, ExitCode: code})
	}
	if runErr != nil {
		code = -1
		status = store.StepFailed
		e.logger.Warn("pipeline: step failed", "job_id", job.ID, "error", &cicderrors.SpawnError{Command: command, Err: runErr})
	}

	truncated := stepOutput.Truncated()
	if truncated {
		e.logger.Info("pipeline: step output truncated", "job_id", job.ID, "step", kind, "error", cicderrors.Truncated)
	}
	if finalizeErr := e.store.FinalizeStep(context.WithoutCancel(ctx), stepID, status, startedAt, code, stepOutput.String(), truncated); finalizeErr != nil {
		e.logger.Error("pipeline: finalize step failed", "job_id", job.ID, "step", kind, "error", &cicderrors.StorageError{Op: "finalize step", Err: finalizeErr})
	}
	return code, runErr
}

func (e *Executor) finalize(ctx context.Context, job *store.Job, startedAt time.Time, status store.JobStatus, jobOutput *outputbuf.Buffer, errMsg string) {
	if err := e.store.FinalizeJob(context.WithoutCancel(ctx), job.ID, status, startedAt, jobOutput.String(), jobOutput.Truncated(), errMsg); err != nil {
		e.logger.Error("pipeline: finalize job failed", "job_id", job.ID, "error", err)
	}

	eventType := eventbus.JobSuccess
	if status == store.JobFailed {
		eventType = eventbus.JobFailed
	}
	e.bus.PublishJob(eventbus.JobEvent{
		Type: eventType, JobID: job.ID, ProjectName: job.ProjectName,
		Branch: job.Branch, Timestamp: e.clock.Now().UTC(),
	})
}

// fanoutWriter copies child output into the per-step buffer, the
// per-job buffer, and the event bus in one pass so capture and
// publication never observe different byte streams.
type fanoutWriter struct {
	step    *outputbuf.Buffer
	job     *outputbuf.Buffer
	publish func(chunk string)
}

func (w *fanoutWriter) Write(p []byte) (int, error) {
	w.step.Write(p)
	w.job.Write(p)
	if len(p) > 0 {
		w.publish(string(p))
	}
	return len(p), nil
}
