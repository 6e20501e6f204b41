// Package migration upgrades a live key space one schema version at a time.
//
// The only durable progress marker is an integer counter kept in the store
// itself. A step is selected when its start version is at or above the
// counter, walks every key with the store cursor and, once the cursor has
// wrapped around, increments the counter by exactly one. A step interrupted
// by a store failure runs again from the start on the next run, which is why
// every step must be idempotent.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPageSize is the number of keys examined per scan call.
	DefaultPageSize = 1000
	// DefaultConcurrency is the number of keys transformed at once.
	DefaultConcurrency = 1
	// DefaultScanPattern matches every key.
	DefaultScanPattern = "*"
)

// State describes whether a step has been applied.
type State uint

const (
	// DownState is for a step not yet applied.
	DownState State = iota
	// UpState is for a step which has been applied.
	UpState
)

// String returns a string representation for a step state.
func (s State) String() string {
	switch s {
	case DownState:
		return "down"
	case UpState:
		return "up"
	default:
		return "unknown"
	}
}

// StepState is a step together with whether the store has been through it.
type StepState struct {
	StartVersion int64
	Description  string
	State        State
}

// StepReport describes a completed step.
type StepReport struct {
	StartVersion int64
	Description  string
	Summary      Summary
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Report describes a run.
type Report struct {
	StartVersion int64
	EndVersion   int64
	Steps        []StepReport
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize sets the number of keys examined per scan call.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithConcurrency sets how many keys of a page are transformed at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithScanPattern restricts the scan to keys matching the glob pattern.
func WithScanPattern(pattern string) Option {
	return func(e *Engine) {
		if pattern != "" {
			e.pattern = pattern
		}
	}
}

// WithVersionKey overrides the key holding the schema version.
func WithVersionKey(key string) Option {
	return func(e *Engine) {
		if key != "" {
			e.versionKey = key
		}
	}
}

// WithNow overrides the clock used in reports.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMetrics sets the collectors the engine updates.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Engine applies pending steps to a key store.
type Engine struct {
	logger *zap.Logger
	store  outages.KeyStore

	pageSize    int
	concurrency int
	pattern     string
	versionKey  string
	metrics     *Metrics

	now func() time.Time
}

// NewEngine constructs and configures a new Engine.
func NewEngine(log *zap.Logger, store outages.KeyStore, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		logger:      log,
		store:       store,
		pageSize:    DefaultPageSize,
		concurrency: DefaultConcurrency,
		pattern:     DefaultScanPattern,
		versionKey:  outages.SchemaVersionKey,
		metrics:     NewMetrics(),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Metrics returns the collectors the engine updates.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Version returns the schema version of the store. An absent counter is 0.
func (e *Engine) Version(ctx context.Context) (int64, error) {
	v, err := e.store.Get(ctx, e.versionKey)
	if err != nil {
		if outages.IsNotFound(err) {
			return 0, nil
		}
		return 0, &VersionError{Key: e.versionKey, Err: err}
	}

	version, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, &VersionError{Key: e.versionKey, Value: string(v), Err: err}
	}
	if version < 0 {
		return 0, &VersionError{Key: e.versionKey, Value: string(v), Err: errors.New("negative schema version")}
	}

	return version, nil
}

// List returns steps in application order with their state in the store.
func (e *Engine) List(ctx context.Context, steps []Step) ([]StepState, error) {
	if err := validateSteps(steps); err != nil {
		return nil, err
	}

	version, err := e.Version(ctx)
	if err != nil {
		return nil, err
	}

	states := make([]StepState, 0, len(steps))
	for _, step := range sortSteps(steps) {
		state := DownState
		if step.StartVersion() < version {
			state = UpState
		}
		states = append(states, StepState{
			StartVersion: step.StartVersion(),
			Description:  step.Description(),
			State:        state,
		})
	}
	return states, nil
}

// Run applies each pending step in order.
// A step is pending when its start version is at or above the schema version.
//
// For example, given a schema version of 1:
// 0000 sorted set introduction | (up)
// 0001 rename prefix           | (down)
// 0002 rebuild index           | (down)
//
// Run would apply step 0001 and then 0002, leaving the schema version at 3.
//
// Run stops at the first step that cannot finish and returns the report of
// the steps completed so far together with the error.
func (e *Engine) Run(ctx context.Context, steps ...Step) (*Report, error) {
	if err := validateSteps(steps); err != nil {
		return nil, err
	}

	version, err := e.Version(ctx)
	if err != nil {
		return nil, err
	}
	e.metrics.SchemaVersion.Set(float64(version))

	report := &Report{StartVersion: version, EndVersion: version}

	var pending []Step
	for _, step := range sortSteps(steps) {
		if step.StartVersion() >= version {
			pending = append(pending, step)
		}
	}

	if len(pending) == 0 {
		e.logger.Info("Key space is up to date", zap.Int64("schema_version", version))
		return report, nil
	}

	e.logger.Info("Bringing up key space migrations",
		zap.Int64("schema_version", version),
		zap.Int("migration_count", len(pending)))

	for _, step := range pending {
		if step.StartVersion() != version {
			return report, &StepError{
				Step:        step.StartVersion(),
				Description: step.Description(),
				Cursor:      outages.ScanStart,
				Err:         fmt.Errorf("%w: schema version is %d", ErrVersionGap, version),
			}
		}

		sr, err := e.runStep(ctx, step)
		if err != nil {
			return report, err
		}

		next, err := e.store.Incr(ctx, e.versionKey)
		if err != nil {
			return report, &StepError{
				Step:        step.StartVersion(),
				Description: step.Description(),
				Cursor:      outages.ScanStart,
				Scanned:     sr.Summary.Total(),
				Err:         fmt.Errorf("incrementing schema version: %w", err),
			}
		}
		if next != version+1 {
			return report, &VersionError{
				Key:   e.versionKey,
				Value: strconv.FormatInt(next, 10),
				Err:   fmt.Errorf("expected schema version %d after step %d, another migration may be running", version+1, step.StartVersion()),
			}
		}

		version = next
		report.Steps = append(report.Steps, *sr)
		report.EndVersion = version
		e.metrics.SchemaVersion.Set(float64(version))
	}

	return report, nil
}

func (e *Engine) runStep(ctx context.Context, step Step) (*StepReport, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "migration.Step")
	defer span.Finish()
	span.SetTag("step", step.StartVersion())
	span.SetTag("description", step.Description())

	label := strconv.FormatInt(step.StartVersion(), 10)
	log := e.logger.With(
		zap.Int64("step", step.StartVersion()),
		zap.String("description", step.Description()))
	ctx = logger.NewContextWithLogger(ctx, log)

	sr := &StepReport{
		StartVersion: step.StartVersion(),
		Description:  step.Description(),
		StartedAt:    e.now(),
	}
	stepErr := func(cursor string, scanned int, err error) error {
		span.SetTag("error", true)
		log.Error("Migration step aborted",
			zap.String("cursor", cursor),
			zap.Int("scanned", scanned),
			zap.Error(err))
		return &StepError{
			Step:        step.StartVersion(),
			Description: step.Description(),
			Cursor:      cursor,
			Scanned:     scanned,
			Err:         err,
		}
	}

	log.Info("Applying migration step")

	if err := step.Prepare(ctx, e.store); err != nil {
		return nil, stepErr(outages.ScanStart, 0, fmt.Errorf("prepare: %w", err))
	}

	acc := &accumulator{}
	scanned := 0
	scan := NewKeyScan(e.store, e.pattern, e.pageSize)
	for scan.Next(ctx) {
		n, err := e.applyPage(ctx, step, scan.Keys(), acc, label)
		scanned += n
		if err != nil {
			return nil, stepErr(scan.Cursor(), scanned, err)
		}
	}
	if err := scan.Err(); err != nil {
		return nil, stepErr(scan.Cursor(), scanned, fmt.Errorf("scan: %w", err))
	}

	sr.FinishedAt = e.now()
	sr.Summary = acc.result()
	e.metrics.StepDuration.WithLabelValues(label).Observe(sr.FinishedAt.Sub(sr.StartedAt).Seconds())

	log.Info("Migration step completed",
		zap.Int("migrated", sr.Summary.Migrated),
		zap.Int("skipped", sr.Summary.Skipped),
		zap.Int("failed", sr.Summary.Failed),
		zap.Int("orphaned", sr.Summary.Orphaned),
		zap.Duration("elapsed", sr.FinishedAt.Sub(sr.StartedAt)))
	if sr.Summary.Failed > 0 {
		log.Warn("Keys left untouched by migration step", zap.Strings("keys", sr.Summary.FailedKeys))
	}
	if sr.Summary.Orphaned > 0 {
		log.Warn("Orphaned duplicates left by migration step", zap.Strings("keys", sr.Summary.OrphanedKeys))
	}

	return sr, nil
}

// applyPage transforms the keys of a page, up to the concurrency limit at
// once. After the first step level error no further key is started; keys
// already being transformed are allowed to finish. It returns the number of
// keys that completed.
func (e *Engine) applyPage(ctx context.Context, step Step, keys []string, acc *accumulator, label string) (int, error) {
	log := logger.FromContext(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	// transforms run to completion once started
	applyCtx := context.WithoutCancel(ctx)

	var completed atomic.Int64
	for _, key := range keys {
		if key == e.versionKey {
			continue
		}
		if gctx.Err() != nil {
			break
		}

		key := key
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			o, err := step.ApplyToKey(applyCtx, key, e.store)
			if err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
			if o.Key == "" {
				o.Key = key
			}

			acc.add(o)
			completed.Add(1)
			e.metrics.Keys.WithLabelValues(label, o.Status.String()).Inc()

			switch o.Status {
			case StatusFailed:
				log.Warn("Key failed to migrate", zap.String("key", o.Key), zap.String("reason", o.Reason))
			case StatusOrphaned:
				log.Warn("Key partially migrated", zap.String("key", o.Key), zap.String("reason", o.Reason))
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return int(completed.Load()), err
}

func validateSteps(steps []Step) error {
	seen := make(map[int64]string, len(steps))
	for _, step := range steps {
		if step.StartVersion() < 0 {
			return fmt.Errorf("migration step %q has negative start version %d", step.Description(), step.StartVersion())
		}
		if prev, ok := seen[step.StartVersion()]; ok {
			return fmt.Errorf("%w: %d used by %q and %q", ErrDuplicateStep, step.StartVersion(), prev, step.Description())
		}
		seen[step.StartVersion()] = step.Description()
	}
	return nil
}

func sortSteps(steps []Step) []Step {
	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartVersion() < sorted[j].StartVersion()
	})
	return sorted
}
