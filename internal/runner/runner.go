// Package runner drives accepted coding tasks through their lifecycle:
// owner resolution, account identity, credential provisioning, cache
// preparation, agent execution, output parsing, teardown, and exactly one
// upstream report per task.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/semaphore"

	"github.com/stavrobot/coder/internal/agent"
	"github.com/stavrobot/coder/internal/async"
	"github.com/stavrobot/coder/internal/events"
	"github.com/stavrobot/coder/internal/identity"
	"github.com/stavrobot/coder/internal/observability"
	"github.com/stavrobot/coder/pkg/types"
)

const (
	modelKey      = "MODEL"
	pruneInterval = 1 * time.Minute
	taskRetention = 1 * time.Hour
)

var (
	pluginNameRe    = regexp.MustCompile(`^[a-z0-9-]+$`)
	errAgentTimeout = errors.New("agent timed out")
)

// ValidPluginName reports whether name is a well-formed plugin name.
func ValidPluginName(name string) bool {
	return pluginNameRe.MatchString(name)
}

// AgentRunner executes the coding agent CLI.
type AgentRunner interface {
	Run(ctx context.Context, inv *agent.Invocation) (*agent.Result, error)
}

// IdentityMapper ensures a system account exists for a plugin owner.
type IdentityMapper interface {
	EnsureAccount(ctx context.Context, plugin string, uid, gid uint32) string
}

// CredentialCustodian provisions and removes workspace credentials.
type CredentialCustodian interface {
	Provision(workspace string, uid, gid uint32) error
	Teardown(workspace string)
}

// ResultReporter delivers the final task message upstream.
type ResultReporter interface {
	Deliver(ctx context.Context, message string) error
}

// Dependencies collects the collaborators a Runner needs.
type Dependencies struct {
	Agent     AgentRunner
	Identity  IdentityMapper
	Custodian CredentialCustodian
	Reporter  ResultReporter
	Hub       *events.Hub
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// Runner owns the in-memory task registry and one lifecycle goroutine per
// accepted task.
type Runner struct {
	config    *types.Config
	agent     AgentRunner
	identity  IdentityMapper
	custodian CredentialCustodian
	reporter  ResultReporter
	hub       *events.Hub
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu     sync.RWMutex
	tasks  map[string]*types.Task
	closed bool

	// Admission gate, nil when max_in_flight is 0 (unbounded).
	admission   *semaphore.Weighted
	admitCtx    context.Context
	admitCancel context.CancelFunc

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a task Runner.
func New(config *types.Config, deps Dependencies) *Runner {
	admitCtx, admitCancel := context.WithCancel(context.Background())

	r := &Runner{
		config:      config,
		agent:       deps.Agent,
		identity:    deps.Identity,
		custodian:   deps.Custodian,
		reporter:    deps.Reporter,
		hub:         deps.Hub,
		logger:      deps.Logger.With("component", "runner"),
		metrics:     deps.Metrics,
		tasks:       make(map[string]*types.Task),
		admitCtx:    admitCtx,
		admitCancel: admitCancel,
		stopCh:      make(chan struct{}),
	}
	if config.Runner.MaxInFlight > 0 {
		r.admission = semaphore.NewWeighted(int64(config.Runner.MaxInFlight))
	}

	return r
}

// Start begins background maintenance.
func (r *Runner) Start() {
	async.Go(r.logger, "task pruner", r.pruneLoop)
}

// Submit accepts a task and launches its lifecycle goroutine. It never
// blocks on task execution.
func (r *Runner) Submit(task *types.Task) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("runner is shutting down")
	}
	task.Status = types.TaskPending
	task.CreatedAt = time.Now().UTC()
	// Client-supplied ids may repeat; the registry keeps the latest.
	r.tasks[task.ID] = task
	r.mu.Unlock()

	r.publish(task, types.EventTaskAccepted, "", "")
	r.metrics.IncTasksInFlight()

	r.wg.Add(1)
	async.Go(r.logger, "task "+task.ID, func() {
		defer r.wg.Done()
		defer r.metrics.DecTasksInFlight()
		r.runTask(task)
	})

	return nil
}

// Task returns a snapshot of one task.
func (r *Runner) Task(id string) (*types.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	snapshot := *task
	return &snapshot, true
}

// Tasks returns snapshots of all known tasks, oldest first.
func (r *Runner) Tasks() []*types.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		snapshot := *task
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PruneFinished drops finished tasks older than maxAge from the registry
// and returns how many were removed.
func (r *Runner) PruneFinished(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, task := range r.tasks {
		if task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// Shutdown stops accepting tasks and waits for in-flight lifecycles until
// ctx expires. Tasks still waiting for admission fail fast and report.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	alreadyClosed := r.closed
	r.closed = true
	r.mu.Unlock()

	if !alreadyClosed {
		r.admitCancel()
		close(r.stopCh)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// taskResult is the terminal verdict of one lifecycle.
type taskResult struct {
	message string
	status  types.TaskStatus
	stage   types.Stage // Where a failure happened
	reason  string      // Metric label for failures
}

func failed(stage types.Stage, reason, message string) taskResult {
	return taskResult{
		message: message,
		status:  types.TaskFailed,
		stage:   stage,
		reason:  reason,
	}
}

func (r *Runner) runTask(task *types.Task) {
	logger := r.logger.With("task_id", task.ID, "plugin", task.Plugin)

	if r.admission != nil {
		if err := r.admission.Acquire(r.admitCtx, 1); err != nil {
			logger.Warn("task abandoned by shutdown before admission")
			r.finish(task, logger, failed("", "shutdown",
				agent.FailureMessage(errors.New("service shut down before the task could start"))))
			return
		}
		defer r.admission.Release(1)
	}

	r.mu.Lock()
	now := time.Now().UTC()
	task.Status = types.TaskRunning
	task.StartedAt = &now
	r.mu.Unlock()

	logger.Info("task started", "message_length", len(task.Message))
	r.finish(task, logger, r.lifecycle(task, logger))
}

// lifecycle runs every stage up to teardown and returns the verdict. A
// panic anywhere inside becomes an internal-error verdict so the report
// still goes out.
func (r *Runner) lifecycle(task *types.Task, logger *observability.Logger) (res taskResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("task goroutine panicked",
				"panic", rec,
				"stack", string(debug.Stack()))
			res = failed(task.Stage, "panic",
				agent.FailureMessage(fmt.Errorf("internal error: %v", rec)))
		}
	}()

	// The API already validated; a second check keeps path construction
	// safe no matter how the task was submitted.
	if !ValidPluginName(task.Plugin) {
		logger.Warn("invalid plugin name reached the runner")
		return failed("", "invalid_plugin",
			agent.FailureMessage(fmt.Errorf("invalid plugin name: %q", task.Plugin)))
	}

	model, err := r.readModel()
	if err != nil {
		logger.Error("model lookup failed", "error", err)
		return failed("", "model", agent.FailureMessage(err))
	}

	workspace := filepath.Join(r.config.Plugins.Root, task.Plugin)

	var uid, gid uint32
	err = r.stage(task, types.StageResolveOwner, func() error {
		var err error
		uid, gid, err = identity.ResolveOwner(workspace)
		return err
	})
	if err != nil {
		return failed(types.StageResolveOwner, "owner",
			agent.FailureMessage(fmt.Errorf("resolve workspace owner: %w", err)))
	}

	// Account creation is best effort and never fails the task.
	var username string
	r.stage(task, types.StageEnsureIdentity, func() error {
		username = r.identity.EnsureAccount(context.Background(), task.Plugin, uid, gid)
		return nil
	})

	err = r.stage(task, types.StageProvisionCredentials, func() error {
		return r.custodian.Provision(workspace, uid, gid)
	})
	if err != nil {
		return failed(types.StageProvisionCredentials, "credentials",
			agent.FailureMessage(fmt.Errorf("provision credentials: %w", err)))
	}
	defer r.teardown(task, workspace)

	var cacheDir string
	err = r.stage(task, types.StagePrepareCache, func() error {
		var err error
		cacheDir, err = r.prepareCacheDir(task.Plugin, uid, gid)
		return err
	})
	if err != nil {
		return failed(types.StagePrepareCache, "cache",
			agent.FailureMessage(fmt.Errorf("prepare cache directory: %w", err)))
	}

	var runRes *agent.Result
	err = r.stage(task, types.StageExecute, func() error {
		var err error
		runRes, err = r.agent.Run(context.Background(), &agent.Invocation{
			Workspace: workspace,
			Message:   task.Message,
			Model:     model,
			Username:  username,
			UID:       uid,
			GID:       gid,
			CacheDir:  cacheDir,
		})
		if err != nil {
			return err
		}
		if runRes.TimedOut {
			return errAgentTimeout
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errAgentTimeout) {
			logger.Warn("agent timed out", "timeout", r.config.Agent.Timeout())
			return failed(types.StageExecute, "timeout",
				agent.TimeoutMessage(r.config.Agent.Timeout()))
		}
		return failed(types.StageExecute, "exec",
			agent.FailureMessage(fmt.Errorf("run agent: %w", err)))
	}

	logger.Info("agent exited",
		"exit_code", runRes.ExitCode,
		"duration", runRes.Duration,
		"stdout_length", len(runRes.Stdout),
		"stderr_length", len(runRes.Stderr))
	logger.Debug("agent output", "stdout", runRes.Stdout, "stderr", runRes.Stderr)

	var outcome agent.Outcome
	r.stage(task, types.StageParse, func() error {
		outcome = agent.ResolveOutcome(runRes)
		return nil
	})
	if !outcome.Success {
		return failed(types.StageExecute, "agent_error", outcome.Message)
	}

	return taskResult{message: outcome.Message, status: types.TaskCompleted}
}

// finish reports the verdict upstream (exactly once, on every path) and
// finalizes the task record.
func (r *Runner) finish(task *types.Task, logger *observability.Logger, res taskResult) {
	r.mu.Lock()
	now := time.Now().UTC()
	task.Status = res.status
	task.CompletedAt = &now
	if res.status == types.TaskCompleted {
		task.Result = res.message
	} else {
		task.ErrorMessage = res.message
	}
	r.mu.Unlock()

	if res.status == types.TaskFailed {
		r.metrics.IncTaskFailure(string(res.stage), res.reason)
	}

	err := r.stage(task, types.StageReport, func() error {
		return r.reporter.Deliver(context.Background(), res.message)
	})
	if err != nil {
		logger.Warn("result delivery failed", "error", err)
	}

	r.publish(task, types.EventTaskFinished, "", res.reason)

	var duration time.Duration
	if task.StartedAt != nil {
		duration = now.Sub(*task.StartedAt)
	}
	logger.Info("task finished",
		"status", res.status,
		"duration", duration,
		"result_length", len(res.message))
}

func (r *Runner) teardown(task *types.Task, workspace string) {
	r.stage(task, types.StageTeardown, func() error {
		r.custodian.Teardown(workspace)
		return nil
	})
}

// stage runs one lifecycle step with events and duration metrics around it.
func (r *Runner) stage(task *types.Task, stage types.Stage, fn func() error) error {
	start := time.Now()

	r.mu.Lock()
	task.Stage = stage
	r.mu.Unlock()

	r.publish(task, types.EventStageStarted, stage, "")

	if err := fn(); err != nil {
		r.metrics.ObserveStageDuration(string(stage), "failed", time.Since(start))
		r.publish(task, types.EventStageFailed, stage, err.Error())
		return err
	}

	r.metrics.ObserveStageDuration(string(stage), "ok", time.Since(start))
	r.publish(task, types.EventStageCompleted, stage, "")
	return nil
}

func (r *Runner) publish(task *types.Task, eventType types.EventType, stage types.Stage, detail string) {
	r.mu.RLock()
	status := task.Status
	r.mu.RUnlock()

	r.hub.Publish(&types.TaskEvent{
		TaskID:    task.ID,
		Plugin:    task.Plugin,
		Stage:     stage,
		Type:      eventType,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

// readModel loads the model name from the agent env file, fresh for every
// task so the file can change between tasks without a restart.
func (r *Runner) readModel() (string, error) {
	env, err := godotenv.Read(r.config.Agent.EnvFile)
	if err != nil {
		return "", fmt.Errorf("read agent environment file: %w", err)
	}

	model := strings.TrimSpace(env[modelKey])
	if model == "" {
		return "", fmt.Errorf("%s is not set in %s", modelKey, r.config.Agent.EnvFile)
	}
	return model, nil
}

// prepareCacheDir creates the per-plugin uv cache and hands both levels to
// the plugin owner.
func (r *Runner) prepareCacheDir(plugin string, uid, gid uint32) (string, error) {
	pluginCache := filepath.Join(r.config.Cache.Root, plugin)
	cacheDir := filepath.Join(pluginCache, "uv")

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.Chown(pluginCache, int(uid), int(gid)); err != nil {
		return "", fmt.Errorf("chown cache directory: %w", err)
	}
	if err := os.Chown(cacheDir, int(uid), int(gid)); err != nil {
		return "", fmt.Errorf("chown cache directory: %w", err)
	}

	return cacheDir, nil
}

func (r *Runner) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := r.PruneFinished(taskRetention); removed > 0 {
				r.logger.Debug("pruned finished tasks", "count", removed)
			}
		case <-r.stopCh:
			return
		}
	}
}
