// Package pipeline implements the sync engine. A run authenticates once and
// then moves every mapping through four stages: fetch, transform, upsert
// and join. Mappings run concurrently within a stage, and a stage finishes
// for every mapping before the next one starts, so joins always see the
// objects upserted by other mappings in the same run.
package pipeline

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/pkg/connection"
	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/events"
	"github.com/ajitpratap0/crmsync/pkg/jobs"
	"github.com/ajitpratap0/crmsync/pkg/logger"
	"github.com/ajitpratap0/crmsync/pkg/mapping"
	"github.com/ajitpratap0/crmsync/pkg/metrics"
	"github.com/ajitpratap0/crmsync/pkg/observability"
	"github.com/ajitpratap0/crmsync/pkg/record"
	"github.com/ajitpratap0/crmsync/pkg/store"
	"github.com/ajitpratap0/crmsync/pkg/watermark"
)

// State of a run
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateFetching       State = "fetching"
	StateTransforming   State = "transforming"
	StateSaving         State = "saving"
	StateJoining        State = "joining"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// ConnectionSource hands out the shared remote connection
type ConnectionSource interface {
	Get(ctx context.Context) (connection.Connection, error)
	Invalidate()
}

// Archiver stores the raw records fetched for a mapping
type Archiver interface {
	Archive(ctx context.Context, mappingName string, runStart time.Time, records []*record.Record) error
}

// Config tunes the orchestrator
type Config struct {
	UpsertConcurrency int
	JoinConcurrency   int
	MaxResults        int
	MaxPages          int
	// RunTimeout bounds a background run started with Start
	RunTimeout time.Duration
}

// Dependencies are the collaborators of a run. Events and Archiver are optional.
type Dependencies struct {
	Connections ConnectionSource
	Store       store.Store
	Watermarks  watermark.Store
	Jobs        *jobs.Tracker
	Events      events.Publisher
	Archiver    Archiver
}

// RunOptions select how a single run behaves
type RunOptions struct {
	// Resync ignores the watermark for this run
	Resync bool
	// JobID reports the run under an existing job; a job is created when empty
	JobID string
}

// Result summarises a finished run
type Result struct {
	JobID      string                 `json:"jobId"`
	State      State                  `json:"state"`
	Resync     bool                   `json:"resync"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt time.Time              `json:"finishedAt"`
	Mappings   []events.MappingResult `json:"mappings"`
}

// Orchestrator runs sync jobs. At most one run is active at a time.
type Orchestrator struct {
	mappings []mapping.Mapping
	deps     Dependencies
	config   Config

	fetcher  *Fetcher
	upserter *Upserter
	joiner   *Joiner

	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	activeJob string
	state     atomic.Value
	wg        sync.WaitGroup
}

// NewOrchestrator creates an orchestrator for the given mappings
func NewOrchestrator(mappings []mapping.Mapping, deps Dependencies, cfg Config, log *zap.Logger) (*Orchestrator, error) {
	mappings = append([]mapping.Mapping(nil), mappings...)
	if err := mapping.ValidateAll(mappings); err != nil {
		return nil, err
	}
	if deps.Connections == nil || deps.Store == nil || deps.Watermarks == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "connections, store and watermarks are required")
	}
	if deps.Jobs == nil {
		deps.Jobs = jobs.NewTracker(0, 0)
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	o := &Orchestrator{
		mappings: mappings,
		deps:     deps,
		config:   cfg,
		fetcher:  NewFetcher(cfg.MaxResults, cfg.MaxPages, log),
		upserter: NewUpserter(deps.Store, cfg.UpsertConcurrency, log),
		joiner:   NewJoiner(deps.Store, cfg.JoinConcurrency, log),
		logger:   log.With(zap.String("component", "orchestrator")),
		now:      time.Now,
	}
	o.state.Store(StateIdle)
	return o, nil
}

// State returns the state of the current or last run
func (o *Orchestrator) State() State {
	return o.state.Load().(State)
}

// Jobs returns the job tracker
func (o *Orchestrator) Jobs() *jobs.Tracker {
	return o.deps.Jobs
}

// ActiveJob returns the id of the running job, if any
func (o *Orchestrator) ActiveJob() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeJob, o.activeJob != ""
}

func (o *Orchestrator) acquire(opts *RunOptions) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeJob != "" {
		return o.activeJob, errors.New(errors.ErrorTypeConflict, "a sync run is already in progress").
			WithDetail("job_id", o.activeJob)
	}
	if opts.JobID == "" {
		opts.JobID = o.deps.Jobs.Create()
	} else {
		o.deps.Jobs.Set(opts.JobID, jobs.Status{})
	}
	o.activeJob = opts.JobID
	return opts.JobID, nil
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.activeJob = ""
	o.mu.Unlock()
}

// Run executes one sync synchronously. A conflict error is returned when
// another run is active.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if _, err := o.acquire(&opts); err != nil {
		return nil, err
	}
	defer o.release()
	return o.execute(ctx, opts)
}

// Start launches a run in the background and returns its job id at once.
// The run is detached from ctx cancellation and bounded by the configured
// run timeout. When a run is already active its job id is returned along
// with a conflict error.
func (o *Orchestrator) Start(ctx context.Context, opts RunOptions) (string, error) {
	jobID, err := o.acquire(&opts)
	if err != nil {
		return jobID, err
	}

	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if o.config.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, o.config.RunTimeout)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer o.release()
		_, _ = o.execute(runCtx, opts)
	}()
	return jobID, nil
}

// Wait blocks until every background run has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

type mappingRun struct {
	m          *mapping.Mapping
	since      *time.Time
	raws       []*record.Record
	candidates []*record.Record
	saved      int
	errs       []error
	// halted is set when a failure leaves nothing for later stages to work on
	halted bool
}

func (r *mappingRun) err() error {
	return errors.Join(r.errs...)
}

func (o *Orchestrator) execute(ctx context.Context, opts RunOptions) (*Result, error) {
	start := o.now()
	ctx = logger.ContextWithJobID(ctx, opts.JobID)
	log := o.logger.With(zap.String("job_id", opts.JobID), zap.Bool("resync", opts.Resync))

	ctx, span := observability.StartSpan(ctx, "crmsync.run")
	span.SetAttribute("crmsync.job_id", opts.JobID)
	span.SetAttribute("crmsync.resync", opts.Resync)

	metrics.RunInProgress.Set(1)
	defer metrics.RunInProgress.Set(0)
	log.Info("sync run started", zap.Int("mappings", len(o.mappings)))

	result := &Result{JobID: opts.JobID, Resync: opts.Resync, StartedAt: start}
	runs, err := o.pipeline(ctx, opts, start, log)
	result.Mappings = summarise(runs)

	if err == nil {
		err = o.deps.Watermarks.Append(ctx, watermark.Run{LastRun: start, Finished: o.now()})
		if err == nil {
			metrics.WatermarkTimestamp.Set(float64(start.Unix()))
		}
	}

	result.FinishedAt = o.now()
	result.State = StateCompleted
	if err != nil {
		result.State = StateFailed
	}
	o.state.Store(result.State)
	o.deps.Jobs.Finish(opts.JobID, err != nil)
	span.End(err)

	metrics.RunsTotal.WithLabelValues(string(result.State), strconv.FormatBool(opts.Resync)).Inc()
	metrics.RunDuration.Observe(result.FinishedAt.Sub(start).Seconds())

	if err != nil {
		log.Error("sync run failed", zap.Duration("duration", result.FinishedAt.Sub(start)), zap.Error(err))
	} else {
		log.Info("sync run completed", zap.Duration("duration", result.FinishedAt.Sub(start)))
	}

	o.publish(ctx, result, log)
	return result, err
}

// pipeline authenticates and moves every mapping through the four stages.
// It returns the per-mapping state and the joined mapping errors.
func (o *Orchestrator) pipeline(ctx context.Context, opts RunOptions, start time.Time, log *zap.Logger) ([]*mappingRun, error) {
	o.state.Store(StateAuthenticating)
	conn, err := o.deps.Connections.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "authenticate")
	}

	var since *time.Time
	if !opts.Resync {
		latest, err := o.deps.Watermarks.Latest(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read watermark")
		}
		if latest != nil {
			since = &latest.LastRun
			log.Info("incremental run", zap.Time("since", latest.LastRun))
		}
	}

	runs := make([]*mappingRun, len(o.mappings))
	for i := range o.mappings {
		run := &mappingRun{m: &o.mappings[i]}
		if since != nil {
			snapshot := *since
			run.since = &snapshot
		}
		runs[i] = run
	}

	o.stage(ctx, log, StateFetching, metrics.StageFetch, true, runs, func(ctx context.Context, r *mappingRun) error {
		raws, err := o.fetcher.Fetch(ctx, conn, r.m, r.since)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeAuthentication) {
				o.deps.Connections.Invalidate()
			}
			return err
		}
		r.raws = raws
		o.archive(ctx, r, start, log)
		return nil
	})

	o.stage(ctx, log, StateTransforming, metrics.StageTransform, true, runs, func(_ context.Context, r *mappingRun) error {
		r.candidates = Transform(r.m, r.raws)
		metrics.RecordsTotal.WithLabelValues(r.m.Name, metrics.StageTransform, metrics.StatusSuccess).Add(float64(len(r.candidates)))
		return nil
	})

	// Upsert failures are per record; the records that did save still get
	// their relationships resolved.
	o.stage(ctx, log, StateSaving, metrics.StageUpsert, false, runs, func(ctx context.Context, r *mappingRun) error {
		saved, err := o.upserter.Save(ctx, r.m, r.candidates)
		r.saved = saved
		return err
	})

	o.stage(ctx, log, StateJoining, metrics.StageJoin, false, runs, func(ctx context.Context, r *mappingRun) error {
		return o.joiner.Join(ctx, r.m, r.raws)
	})

	var errs []error
	for _, r := range runs {
		errs = append(errs, r.errs...)
	}
	return runs, errors.Join(errs...)
}

// stage runs fn for every mapping that has not halted and waits for all.
// When halting is set a failure stops the mapping's later stages.
func (o *Orchestrator) stage(ctx context.Context, log *zap.Logger, state State, name string, halting bool, runs []*mappingRun, fn func(context.Context, *mappingRun) error) {
	o.state.Store(state)
	timer := metrics.NewTimer()
	defer func() {
		metrics.StageDuration.WithLabelValues(name).Observe(timer.Stop().Seconds())
	}()

	var wg sync.WaitGroup
	for _, r := range runs {
		if r.halted {
			metrics.RecordsTotal.WithLabelValues(r.m.Name, name, metrics.StatusSkipped).Inc()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			mctx := logger.ContextWithStage(logger.ContextWithMapping(ctx, r.m.Name), name)
			err := observability.TraceStage(mctx, name, r.m.Name, func(ctx context.Context) error {
				return fn(ctx, r)
			})
			if err != nil {
				r.errs = append(r.errs, errors.Wrap(err, errorType(err, name), r.m.Name+": "+name).
					WithDetail("mapping", r.m.Name))
				r.halted = halting
				log.Error("stage failed",
					zap.String("stage", name), zap.String("mapping", r.m.Name), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// errorType keeps authentication failures recognisable after wrapping
func errorType(err error, stage string) errors.ErrorType {
	if errors.IsType(err, errors.ErrorTypeAuthentication) {
		return errors.ErrorTypeAuthentication
	}
	switch stage {
	case metrics.StageFetch:
		return errors.ErrorTypeFetch
	case metrics.StageTransform:
		return errors.ErrorTypeTransform
	case metrics.StageUpsert:
		return errors.ErrorTypeUpsert
	default:
		return errors.ErrorTypeJoin
	}
}

func (o *Orchestrator) archive(ctx context.Context, r *mappingRun, start time.Time, log *zap.Logger) {
	if o.deps.Archiver == nil || len(r.raws) == 0 {
		return
	}
	if err := o.deps.Archiver.Archive(ctx, r.m.Name, start, r.raws); err != nil {
		log.Warn("raw archive upload failed", zap.String("mapping", r.m.Name), zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, result *Result, log *zap.Logger) {
	status := events.StatusCompleted
	if result.State == StateFailed {
		status = events.StatusFailed
	}
	err := o.deps.Events.Publish(ctx, events.RunEvent{
		JobID:      result.JobID,
		Status:     status,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Resync:     result.Resync,
		Mappings:   result.Mappings,
	})
	if err != nil {
		log.Warn("run event not published", zap.Error(err))
	}
}

func summarise(runs []*mappingRun) []events.MappingResult {
	out := make([]events.MappingResult, 0, len(runs))
	for _, r := range runs {
		res := events.MappingResult{Name: r.m.Name, Fetched: len(r.raws), Saved: r.saved}
		if err := r.err(); err != nil {
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out
}
