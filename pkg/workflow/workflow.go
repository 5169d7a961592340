// Package workflow implements the processing orchestrator: a fixed-topology
// state machine running ValidateInput, AssumeRole, ProcessData and
// ParallelNotify in sequence for every triggered client, with per-stage retry
// policies and timeouts. The domain has no conditional branching, so a
// straight-line pipeline with per-stage retry tuning is simpler and more
// observable than a general DAG.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ffgarciam/cloud-usage-report/pkg/cur"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusAborted   Status = "ABORTED"
)

// Stage names, in execution order. None are skippable.
const (
	StageValidateInput  = "ValidateInput"
	StageAssumeRole     = "AssumeRole"
	StageProcessData    = "ProcessData"
	StageParallelNotify = "ParallelNotify"
)

// ErrExecutionExists is returned when a name is reused while a prior
// execution with that name is still in flight.
var ErrExecutionExists = errors.New("execution name already in flight")

// CredentialVendor obtains short-lived credentials for the target account.
type CredentialVendor interface {
	VendCredentials(ctx context.Context, cfg cur.ClientConfig) (*cur.Credentials, error)
}

// DataProcessor transforms one client's usage data.
type DataProcessor interface {
	Process(ctx context.Context, cfg cur.ClientConfig, credentials *cur.Credentials) (*cur.ProcessingResult, error)
}

// ResultNotifier fans a processing result out to downstream consumers.
type ResultNotifier interface {
	Notify(ctx context.Context, result *cur.ProcessingResult) error
}

type Config struct {
	// ExecutionTimeout bounds the whole execution; exceeding it is terminal
	// (TimedOut) with no further retries.
	ExecutionTimeout time.Duration

	// Per-stage wall-clock budgets. A stage timeout is a stage failure
	// subject to that stage's retry policy.
	ValidateTimeout   time.Duration
	AssumeRoleTimeout time.Duration
	ProcessTimeout    time.Duration
	NotifyTimeout     time.Duration

	// NotifyRetry is the retry policy for the fan-out stage. Empty means
	// notifications are best-effort: a failing branch fails the execution.
	NotifyRetry []RetryPolicy
}

func (c *Config) applyDefaults() {
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = time.Hour
	}
	if c.ValidateTimeout == 0 {
		c.ValidateTimeout = 30 * time.Second
	}
	if c.AssumeRoleTimeout == 0 {
		c.AssumeRoleTimeout = 30 * time.Second
	}
	if c.ProcessTimeout == 0 {
		c.ProcessTimeout = 30 * time.Minute
	}
	if c.NotifyTimeout == 0 {
		c.NotifyTimeout = time.Minute
	}
}

// StageRecord is one attempt of one stage, retained for audit.
type StageRecord struct {
	Stage      string    `json:"stage"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`
}

// Execution is one run of the workflow for one triggering input. It is
// created by StartExecution and mutated only by the orchestrator.
type Execution struct {
	name  string
	input cur.ClientConfig

	cancel context.CancelFunc

	mu           sync.Mutex
	status       Status
	currentStage string
	history      []StageRecord
	credentials  *cur.Credentials
	result       *cur.ProcessingResult
	startedAt    time.Time
	finishedAt   time.Time
	err          error

	done chan struct{}
}

func (e *Execution) Name() string { return e.name }

func (e *Execution) Input() cur.ClientConfig { return e.input }

func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Execution) CurrentStage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentStage
}

// History returns a copy of all stage attempts so far.
func (e *Execution) History() []StageRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	history := make([]StageRecord, len(e.history))
	copy(history, e.history)
	return history
}

func (e *Execution) Result() *cur.ProcessingResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

func (e *Execution) StartedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startedAt
}

// Err returns the terminal error, if any.
func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Wait blocks until the execution reaches a terminal status or ctx expires.
func (e *Execution) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Execution) setCurrentStage(stage string) {
	e.mu.Lock()
	e.currentStage = stage
	e.mu.Unlock()
}

func (e *Execution) record(rec StageRecord) {
	e.mu.Lock()
	e.history = append(e.history, rec)
	e.mu.Unlock()
}

func (e *Execution) setCredentials(creds *cur.Credentials) {
	e.mu.Lock()
	e.credentials = creds
	e.mu.Unlock()
}

func (e *Execution) credentialsSnapshot() *cur.Credentials {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.credentials
}

func (e *Execution) setResult(result *cur.ProcessingResult) {
	e.mu.Lock()
	e.result = result
	e.mu.Unlock()
}

// finish moves the execution to a terminal status. Vended credentials are
// dropped here: they never outlive the execution that requested them.
func (e *Execution) finish(status Status, err error, at time.Time) {
	e.mu.Lock()
	e.status = status
	e.err = err
	e.finishedAt = at
	e.currentStage = ""
	e.credentials = nil
	e.mu.Unlock()
	close(e.done)
}

// stageDef binds a stage to its timeout and retry policies.
type stageDef struct {
	name    string
	timeout time.Duration
	retry   []RetryPolicy
	run     func(ctx context.Context, exec *Execution) error
}

// Orchestrator sequences the pipeline stages as a state machine and tracks
// every execution it has started.
type Orchestrator struct {
	logger    logrus.FieldLogger
	cfg       Config
	vendor    CredentialVendor
	processor DataProcessor
	notifier  ResultNotifier

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	executions map[string]*Execution
	stopped    bool
	wg         sync.WaitGroup
}

func NewOrchestrator(logger logrus.FieldLogger, cfg Config, vendor CredentialVendor, processor DataProcessor, notifier ResultNotifier) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		logger:     logger.WithField("component", "orchestrator"),
		cfg:        cfg,
		vendor:     vendor,
		processor:  processor,
		notifier:   notifier,
		nowFn:      time.Now,
		sleepFn:    sleepContext,
		executions: map[string]*Execution{},
	}
}

// StartExecution begins a new asynchronous execution. Names must be unique
// among in-flight executions; reuse of a terminal execution's name is
// allowed, replacing its registry entry.
func (o *Orchestrator) StartExecution(name string, input cur.ClientConfig) (*Execution, error) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil, errors.New("orchestrator is shut down")
	}
	if existing, ok := o.executions[name]; ok && existing.Status() == StatusRunning {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExecutionExists, name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ExecutionTimeout)
	exec := &Execution{
		name:      name,
		input:     input,
		cancel:    cancel,
		status:    StatusRunning,
		startedAt: o.nowFn(),
		done:      make(chan struct{}),
	}
	o.executions[name] = exec
	o.wg.Add(1)
	o.mu.Unlock()

	executionsStartedCounter.Inc()
	o.logger.WithFields(logrus.Fields{
		"execution": name,
		"clientId":  input.ClientID,
	}).Info("starting execution")

	go o.run(ctx, exec)
	return exec, nil
}

// GetExecution looks up an execution by name.
func (o *Orchestrator) GetExecution(name string) (*Execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.executions[name]
	return exec, ok
}

// ListExecutions returns all known executions, newest first.
func (o *Orchestrator) ListExecutions() []*Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	executions := make([]*Execution, 0, len(o.executions))
	for _, exec := range o.executions {
		executions = append(executions, exec)
	}
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt().After(executions[j].StartedAt())
	})
	return executions
}

// AbortExecution cancels an in-flight execution.
func (o *Orchestrator) AbortExecution(name string) error {
	exec, ok := o.GetExecution(name)
	if !ok {
		return fmt.Errorf("no execution named %s", name)
	}
	exec.cancel()
	return nil
}

// Shutdown stops accepting new executions and waits for in-flight ones to
// reach a terminal status.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) stages() []stageDef {
	return []stageDef{
		{
			name:    StageValidateInput,
			timeout: o.cfg.ValidateTimeout,
			retry:   []RetryPolicy{DefaultServiceExceptionRetry()},
			run: func(ctx context.Context, exec *Execution) error {
				input := exec.Input()
				return input.Validate()
			},
		},
		{
			name:    StageAssumeRole,
			timeout: o.cfg.AssumeRoleTimeout,
			retry:   []RetryPolicy{AccessDeniedRetry(), DefaultServiceExceptionRetry()},
			run: func(ctx context.Context, exec *Execution) error {
				credentials, err := o.vendor.VendCredentials(ctx, exec.Input())
				if err != nil {
					return err
				}
				exec.setCredentials(credentials)
				return nil
			},
		},
		{
			name:    StageProcessData,
			timeout: o.cfg.ProcessTimeout,
			retry:   []RetryPolicy{TaskFailureRetry()},
			run: func(ctx context.Context, exec *Execution) error {
				result, err := o.processor.Process(ctx, exec.Input(), exec.credentialsSnapshot())
				if err != nil {
					return err
				}
				exec.setResult(result)
				return nil
			},
		},
		{
			name:    StageParallelNotify,
			timeout: o.cfg.NotifyTimeout,
			retry:   o.cfg.NotifyRetry,
			run: func(ctx context.Context, exec *Execution) error {
				return o.notifier.Notify(ctx, exec.Result())
			},
		},
	}
}

func (o *Orchestrator) run(ctx context.Context, exec *Execution) {
	defer o.wg.Done()
	defer exec.cancel()

	logger := o.logger.WithFields(logrus.Fields{
		"execution": exec.Name(),
		"clientId":  exec.Input().ClientID,
	})

	for _, stage := range o.stages() {
		exec.setCurrentStage(stage.name)
		if err := o.runStage(ctx, logger, exec, stage); err != nil {
			status := StatusFailed
			switch ctx.Err() {
			case context.DeadlineExceeded:
				status = StatusTimedOut
			case context.Canceled:
				status = StatusAborted
			}
			exec.finish(status, err, o.nowFn())
			executionsCompletedCounter.WithLabelValues(string(status)).Inc()
			logger.WithError(err).Errorf("execution %s at stage %s", status, stage.name)
			return
		}
	}

	exec.finish(StatusSucceeded, nil, o.nowFn())
	executionsCompletedCounter.WithLabelValues(string(StatusSucceeded)).Inc()
	logger.Info("execution succeeded")
}

// runStage runs one stage to success or to retry exhaustion. Every attempt is
// recorded in the execution history and logged for audit.
func (o *Orchestrator) runStage(ctx context.Context, logger logrus.FieldLogger, exec *Execution, stage stageDef) error {
	attempt := 1
	for {
		stageCtx, cancel := context.WithTimeout(ctx, stage.timeout)
		start := o.nowFn()
		err := stage.run(stageCtx, exec)
		stageTimedOut := stageCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err != nil && stageTimedOut && cur.ClassOf(err) == cur.ErrClassUnknown {
			err = cur.WrapError(cur.ErrClassTimeout, err)
		}

		record := StageRecord{
			Stage:      stage.name,
			Attempt:    attempt,
			StartedAt:  start,
			FinishedAt: o.nowFn(),
		}
		if err != nil {
			record.Error = err.Error()
		}
		exec.record(record)

		attemptLogger := logger.WithFields(logrus.Fields{
			"stage":   stage.name,
			"attempt": attempt,
		})
		if err == nil {
			attemptLogger.Info("stage completed")
			return nil
		}
		if ctx.Err() != nil {
			// whole-execution budget exceeded or aborted; no more retries
			return err
		}

		class := cur.ClassOf(err)
		policy := firstMatching(stage.retry, class)
		if policy == nil || attempt >= policy.MaxAttempts {
			return err
		}

		delay := policy.Backoff(attempt)
		stageRetriesCounter.WithLabelValues(stage.name).Inc()
		attemptLogger.WithError(err).Warnf("stage failed with %s, retrying in %s", class, delay)
		if sleepErr := o.sleepFn(ctx, delay); sleepErr != nil {
			return err
		}
		attempt++
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
