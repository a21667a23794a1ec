package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/rajbos/copilot-usage-sync/internal/credentials"
	"github.com/rajbos/copilot-usage-sync/internal/identity"
	"github.com/rajbos/copilot-usage-sync/internal/observability"
	"github.com/rajbos/copilot-usage-sync/internal/rollup"
	"github.com/rajbos/copilot-usage-sync/internal/sharing"
	"github.com/rajbos/copilot-usage-sync/internal/tablestore"
)

// State is the engine's position in one sync cycle.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateComputing  State = "computing"
	StateUploading  State = "uploading"
	StateFailed     State = "failed"
)

// Cycle results reported in Status and metrics.
const (
	ResultSuccess         = "success"
	ResultSharingOff      = "sharing_off"
	ResultAuthError       = "auth_error"
	ResultPermissionError = "permission_error"
	ResultNetworkError    = "network_error"
	ResultValidationError = "validation_error"
	ResultPartialUpload   = "partial_upload"
)

// Validator probes credentials and permissions before each cycle.
type Validator interface {
	Probe(ctx context.Context) error
}

// Lister enumerates candidate session files. The scan itself is owned by the
// host; the engine only consumes paths and mtimes.
type Lister interface {
	List(ctx context.Context) ([]rollup.SessionFile, error)
}

// IdentityProvider derives the user key fresh for each cycle.
type IdentityProvider func(ctx context.Context) (*identity.Key, error)

// SharingStateFunc returns the currently active profile and consent.
type SharingStateFunc func() sharing.State

// PartialBatchError reports an upload cycle where some batches succeeded.
// Failed rows need no reconciliation: the next cycle recomputes all rollups
// from scratch and re-upserts them.
type PartialBatchError struct {
	FailedBatches int
	TotalBatches  int
	First         error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("%d of %d upload batches failed (first: %v)", e.FailedBatches, e.TotalBatches, e.First)
}

func (e *PartialBatchError) Unwrap() error { return e.First }

// CycleReport summarizes the most recent cycle for the status surface.
type CycleReport struct {
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	Result       string    `json:"result"`
	RowsComputed int       `json:"rowsComputed"`
	RowsUploaded int       `json:"rowsUploaded"`
	Batches      int       `json:"batches"`
	FailedBatch  int       `json:"failedBatches"`
	CacheHits    int       `json:"cacheHits"`
	CacheMisses  int       `json:"cacheMisses"`
	Error        string    `json:"error,omitempty"`
}

// Options wires an engine.
type Options struct {
	DatasetID    string
	LookbackDays int
	Interval     time.Duration
	BatchTimeout time.Duration

	Validator    Validator
	Builder      *rollup.Builder
	Lister       Lister
	Store        tablestore.Client
	Identity     IdentityProvider
	SharingState SharingStateFunc
	Clock        quartz.Clock
	Obs          *observability.Provider
}

// Engine drives sync cycles: validate, compute, upload. Exactly one cycle may
// be in flight per engine; concurrent triggers coalesce to a no-op.
type Engine struct {
	opts   Options
	clock  quartz.Clock
	logger *slog.Logger

	mu       sync.Mutex
	inFlight bool
	state    State
	last     CycleReport
	cycles   int
}

// New returns an idle engine.
func New(opts Options) (*Engine, error) {
	if opts.Validator == nil || opts.Builder == nil || opts.Lister == nil || opts.Store == nil {
		return nil, errors.New("syncengine: validator, builder, lister, and store are required")
	}
	if opts.SharingState == nil {
		return nil, errors.New("syncengine: sharing state source is required")
	}
	if opts.LookbackDays < 1 {
		return nil, fmt.Errorf("syncengine: lookback days must be >= 1, got %d", opts.LookbackDays)
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 30 * time.Second
	}
	return &Engine{
		opts:   opts,
		clock:  clock,
		logger: slog.Default().With(slog.String("component", "syncengine")),
		state:  StateIdle,
	}, nil
}

// Status returns the current state, the last cycle report, and the number of
// completed cycles.
func (e *Engine) Status() (State, CycleReport, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.last, e.cycles
}

// Run drives periodic cycles until the context is canceled. A failed cycle is
// skipped, never retried within the tick; the next tick starts from scratch.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync scheduler started", slog.Duration("interval", e.opts.Interval))
	waiter := e.clock.TickerFunc(ctx, e.opts.Interval, func() error {
		e.RunCycle(ctx)
		return nil
	})
	err := waiter.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunCycle executes one cycle. The second return value is false when another
// cycle was already in flight and this trigger was coalesced to a no-op.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, bool) {
	e.mu.Lock()
	if e.inFlight {
		last := e.last
		e.mu.Unlock()
		return last, false
	}
	e.inFlight = true
	e.state = StateValidating
	e.mu.Unlock()

	report := e.cycle(ctx)

	e.mu.Lock()
	e.inFlight = false
	if report.Result == ResultSuccess || report.Result == ResultSharingOff {
		e.state = StateIdle
	} else {
		e.state = StateFailed
	}
	e.last = report
	e.cycles++
	e.mu.Unlock()

	e.opts.Obs.RecordSyncCycle(report.Result, report.FinishedAt.Sub(report.StartedAt), report.RowsUploaded)
	e.opts.Obs.RecordRollupCache(report.CacheHits, report.CacheMisses)
	return report, true
}

func (e *Engine) cycle(ctx context.Context) CycleReport {
	report := CycleReport{StartedAt: e.clock.Now().UTC()}
	finish := func(result string, err error) CycleReport {
		report.Result = result
		report.FinishedAt = e.clock.Now().UTC()
		if err != nil {
			report.Error = credentials.Redact(err.Error())
			e.logger.Warn("sync cycle failed",
				slog.String("result", result),
				slog.String("error", report.Error))
		}
		return report
	}

	shareState := e.opts.SharingState()
	if shareState.Profile == sharing.ProfileOff {
		return finish(ResultSharingOff, nil)
	}

	// Validating: fail fast with a classified reason; no retry in this cycle.
	probeCtx, cancel := context.WithTimeout(ctx, e.opts.BatchTimeout)
	err := e.opts.Validator.Probe(probeCtx)
	cancel()
	if err != nil {
		return finish(classifyResult(err), err)
	}

	e.setState(StateComputing)
	var user *identity.Key
	if e.opts.Identity != nil {
		user, err = e.opts.Identity(ctx)
		if err != nil {
			return finish(ResultValidationError, err)
		}
	}

	files, err := e.opts.Lister.List(ctx)
	if err != nil {
		return finish(ResultValidationError, err)
	}

	rows, stats, err := e.opts.Builder.ComputeDailyRollups(ctx, rollup.Input{
		Files:        files,
		Profile:      shareState.Profile,
		ConsentAt:    shareState.ConsentAt,
		User:         user,
		LookbackDays: e.opts.LookbackDays,
		Now:          e.clock.Now().UTC(),
	})
	report.CacheHits = stats.CacheHits
	report.CacheMisses = stats.CacheMisses
	if err != nil {
		return finish(ResultValidationError, err)
	}
	report.RowsComputed = len(rows)

	e.setState(StateUploading)
	batches := tablestore.Batches(rows)
	report.Batches = len(batches)
	var firstErr error
	for _, batch := range batches {
		// A timed-out batch counts as fully failed; rows already confirmed
		// by earlier batches stay confirmed and are not resent this cycle.
		batchCtx, cancel := context.WithTimeout(ctx, e.opts.BatchTimeout)
		err := e.opts.Store.Upsert(batchCtx, batch)
		cancel()
		if err != nil {
			report.FailedBatch++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		report.RowsUploaded += len(batch)
	}
	if report.FailedBatch > 0 {
		partial := &PartialBatchError{
			FailedBatches: report.FailedBatch,
			TotalBatches:  len(batches),
			First:         firstErr,
		}
		return finish(ResultPartialUpload, partial)
	}

	e.logger.Info("sync cycle complete",
		slog.Int("rows", report.RowsUploaded),
		slog.Int("cache_hits", report.CacheHits),
		slog.Int("cache_misses", report.CacheMisses))
	return finish(ResultSuccess, nil)
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

func classifyResult(err error) string {
	var authErr *credentials.AuthError
	var permErr *credentials.PermissionError
	switch {
	case errors.As(err, &permErr):
		return ResultPermissionError
	case errors.As(err, &authErr):
		return ResultAuthError
	default:
		return ResultNetworkError
	}
}
