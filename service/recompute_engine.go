package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rollgroups/config"
	"rollgroups/events"
	"rollgroups/models"
	"rollgroups/runlock"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers      = 4
	defaultGroupTimeout = 30 * time.Second
)

// PassMetrics receives measurements from the recompute engine
type PassMetrics interface {
	RecordPass(state string, duration time.Duration)
	RecordGroup(kind string, rows int, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordPass(string, time.Duration) {}

func (noopMetrics) RecordGroup(string, int, time.Duration) {}

// EngineOption configures a RecomputeEngine
type EngineOption func(*RecomputeEngine)

// WithClock sets the source of the reference instant for each pass
func WithClock(now func() time.Time) EngineOption {
	return func(e *RecomputeEngine) { e.now = now }
}

// WithWorkers bounds how many groups are evaluated concurrently
func WithWorkers(n int) EngineOption {
	return func(e *RecomputeEngine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithGroupTimeout bounds the evaluation of a single group
func WithGroupTimeout(d time.Duration) EngineOption {
	return func(e *RecomputeEngine) {
		if d > 0 {
			e.groupTimeout = d
		}
	}
}

// WithMode selects replace or shadow materialization
func WithMode(mode string) EngineOption {
	return func(e *RecomputeEngine) { e.mode = mode }
}

// WithLocker sets the lock that keeps passes from overlapping
func WithLocker(l runlock.Locker) EngineOption {
	return func(e *RecomputeEngine) { e.locker = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m PassMetrics) EngineOption {
	return func(e *RecomputeEngine) { e.metrics = m }
}

// WithPublisher sets where PassCompletedEvent is published
func WithPublisher(p EventPublisher) EngineOption {
	return func(e *RecomputeEngine) { e.publisher = p }
}

// RecomputeEngine re-derives every group's membership from the roll history.
//
// A pass clears the membership store once, snapshots the group registry and
// then evaluates each group on a bounded worker pool. Each group's rows and
// summary are written in their own transaction, so a failing group leaves no
// partial rows behind and never affects another group.
//
// In replace mode the live membership table is cleared up front and readers
// may observe it partially rebuilt while the pass runs. In shadow mode rows
// are written to a staging table and swapped in, together with every
// summary, in one transaction once all groups have been evaluated.
type RecomputeEngine struct {
	uowFactory   UnitOfWorkFactory
	now          func() time.Time
	workers      int
	groupTimeout time.Duration
	mode         string
	locker       runlock.Locker
	metrics      PassMetrics
	publisher    EventPublisher
}

var _ RecomputeService = (*RecomputeEngine)(nil)

// NewRecomputeEngine creates a recompute engine
func NewRecomputeEngine(uowFactory UnitOfWorkFactory, opts ...EngineOption) *RecomputeEngine {
	e := &RecomputeEngine{
		uowFactory:   uowFactory,
		now:          time.Now,
		workers:      defaultWorkers,
		groupTimeout: defaultGroupTimeout,
		mode:         config.MembershipModeReplace,
		locker:       runlock.NewLocal(),
		metrics:      noopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *RecomputeEngine) shadow() bool {
	return e.mode == config.MembershipModeShadow
}

// pass holds the mutable state of one RunOnce call
type pass struct {
	result *models.RecomputeResult
	logger *log.Entry
	mu     sync.Mutex
}

func (p *pass) complete(outcome models.GroupOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Completed = append(p.result.Completed, outcome)
}

func (p *pass) skip(group *models.Group, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Skipped = append(p.result.Skipped, models.GroupFailure{
		GroupID: group.ID,
		Name:    group.Name,
		Kind:    ErrorKindOf(err),
		Reason:  err.Error(),
	})
}

// RunOnce performs one full recompute pass. Per-group failures are reported
// in the result and do not make RunOnce fail. A returned error means the pass
// was aborted (PassError), cancelled (ErrPassCancelled) or never started
// (ErrPassInProgress); a result is returned in every case except the last.
func (e *RecomputeEngine) RunOnce(ctx context.Context) (*models.RecomputeResult, error) {
	release, err := e.locker.TryAcquire(ctx)
	if errors.Is(err, runlock.ErrLocked) {
		return nil, ErrPassInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to release run lock")
		}
	}()

	now := e.now().UTC()
	p := &pass{
		result: &models.RecomputeResult{
			RunID:         uuid.New(),
			State:         models.RecomputeStateIdle,
			Mode:          e.mode,
			ReferenceTime: now,
			StartedAt:     time.Now().UTC(),
			Completed:     []models.GroupOutcome{},
			Skipped:       []models.GroupFailure{},
		},
	}
	p.logger = log.WithFields(log.Fields{
		"runID": p.result.RunID,
		"mode":  e.mode,
	})
	p.logger.WithField("referenceTime", now).Info("Starting recompute pass")

	runErr := e.run(ctx, p, now)
	e.finish(ctx, p, runErr)

	return p.result, runErr
}

func (e *RecomputeEngine) run(ctx context.Context, p *pass, now time.Time) error {
	if ctx.Err() != nil {
		p.result.State = models.RecomputeStateCancelled
		return ErrPassCancelled
	}

	p.result.State = models.RecomputeStateClearing
	if err := e.clear(ctx); err != nil {
		return e.fail(p, &PassError{Stage: models.RecomputeStateClearing, Err: err})
	}

	groups, err := e.snapshot(ctx)
	if err != nil {
		return e.fail(p, &PassError{Stage: models.RecomputeStateClearing, Err: err})
	}

	p.result.State = models.RecomputeStateProcessingGroups
	p.logger.WithField("groupCount", len(groups)).Info("Processing groups")

	cancelled := e.dispatch(ctx, p, groups, now)

	if e.shadow() {
		if cancelled {
			e.discardStaged(p)
		} else if err := e.promote(ctx, p); err != nil {
			e.abandonCompleted(p, err)
			return e.fail(p, &PassError{Stage: models.RecomputeStateProcessingGroups, Err: err})
		}
	}

	if cancelled {
		p.result.State = models.RecomputeStateCancelled
		return ErrPassCancelled
	}

	p.result.State = models.RecomputeStateCompleted
	return nil
}

func (e *RecomputeEngine) fail(p *pass, err error) error {
	p.result.State = models.RecomputeStateFailed
	p.result.FatalError = err.Error()
	return err
}

// clear empties the membership store the pass writes into
func (e *RecomputeEngine) clear(ctx context.Context) error {
	uow := e.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	var store GroupMembershipRepository = uow.MembershipRepository()
	if e.shadow() {
		store = uow.StagingMembershipRepository()
	}
	if err := store.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to clear membership: %w", err)
	}

	return uow.Commit()
}

func (e *RecomputeEngine) snapshot(ctx context.Context) ([]*models.Group, error) {
	uow := e.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	groups, err := uow.GroupRepository().ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}

	if err := uow.Commit(); err != nil {
		return nil, err
	}
	return groups, nil
}

// dispatch evaluates every group on the worker pool and waits for all of
// them. Once ctx is cancelled no further group is started; groups already
// running finish under their own timeout. It reports whether any group was
// left undispatched.
func (e *RecomputeEngine) dispatch(ctx context.Context, p *pass, groups []*models.Group, now time.Time) bool {
	var g errgroup.Group
	g.SetLimit(e.workers)

	cancelled := false
	for i, group := range groups {
		if ctx.Err() != nil {
			for _, rest := range groups[i:] {
				p.skip(rest, &GroupError{
					GroupID: rest.ID,
					Kind:    models.ErrorKindCancelled,
					Err:     ctx.Err(),
				})
			}
			cancelled = true
			break
		}

		g.Go(func() error {
			e.evaluate(ctx, p, group, now)
			return nil
		})
	}
	g.Wait()

	sort.Slice(p.result.Completed, func(i, j int) bool {
		return p.result.Completed[i].GroupID < p.result.Completed[j].GroupID
	})
	sort.Slice(p.result.Skipped, func(i, j int) bool {
		return p.result.Skipped[i].GroupID < p.result.Skipped[j].GroupID
	})

	return cancelled
}

func (e *RecomputeEngine) evaluate(ctx context.Context, p *pass, group *models.Group, now time.Time) {
	start := time.Now()

	// In-flight groups run to completion even if the pass is cancelled
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.groupTimeout)
	defer cancel()

	outcome, err := e.recomputeGroup(gctx, p.result.RunID, group, now)
	if err != nil {
		p.skip(group, err)
		e.metrics.RecordGroup(string(ErrorKindOf(err)), 0, time.Since(start))
		p.logger.WithFields(log.Fields{
			"groupID": group.ID,
			"kind":    ErrorKindOf(err),
			"error":   err,
		}).Warn("Skipped group")
		return
	}

	p.complete(outcome)
	e.metrics.RecordGroup("", outcome.StudentCount, time.Since(start))
	p.logger.WithFields(log.Fields{
		"groupID":      group.ID,
		"studentCount": outcome.StudentCount,
		"runAt":        outcome.RunAt,
	}).Debug("Recomputed group")
}

// recomputeGroup aggregates one group and writes its rows and summary in a
// single transaction
func (e *RecomputeEngine) recomputeGroup(ctx context.Context, runID uuid.UUID, group *models.Group, now time.Time) (models.GroupOutcome, error) {
	filter, err := NewGroupFilter(group, now)
	if err != nil {
		return models.GroupOutcome{}, &GroupError{GroupID: group.ID, Kind: models.ErrorKindInvalidGroupConfiguration, Err: err}
	}

	aggregationErr := func(err error) error {
		return &GroupError{GroupID: group.ID, Kind: models.ErrorKindAggregationFailure, Err: err}
	}
	materializationErr := func(err error) error {
		return &GroupError{GroupID: group.ID, Kind: models.ErrorKindMaterializationFailure, Err: err}
	}

	uow := e.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return models.GroupOutcome{}, aggregationErr(err)
	}
	defer uow.Rollback()

	counts, err := uow.RollRepository().Aggregate(ctx, filter)
	if err != nil {
		return models.GroupOutcome{}, aggregationErr(err)
	}

	rows := make([]*models.GroupMembership, len(counts))
	for i, c := range counts {
		rows[i] = &models.GroupMembership{
			GroupID:       group.ID,
			StudentID:     c.StudentID,
			IncidentCount: c.Count,
		}
	}

	outcome := models.GroupOutcome{
		GroupID:      group.ID,
		Name:         group.Name,
		StudentCount: len(rows),
		RunAt:        filter.Since,
	}

	if e.shadow() {
		// Summaries are written when the staged rows are promoted
		if err := uow.StagingMembershipRepository().InsertMany(ctx, rows); err != nil {
			return models.GroupOutcome{}, materializationErr(err)
		}
	} else {
		if err := uow.MembershipRepository().InsertMany(ctx, rows); err != nil {
			return models.GroupOutcome{}, materializationErr(err)
		}
		if err := uow.GroupRepository().UpdateSummary(ctx, group.ID, filter.Since, len(rows)); err != nil {
			return models.GroupOutcome{}, materializationErr(err)
		}
		uow.EventBus().Publish(groupRecomputedEvent(runID, outcome))
	}

	if err := uow.Commit(); err != nil {
		return models.GroupOutcome{}, materializationErr(err)
	}

	return outcome, nil
}

// promote swaps the staged rows into the live table and writes the summary
// of every completed group in one transaction. A group deleted since the
// snapshot loses its staged rows by cascade and is reported as skipped; any
// other failure aborts the promotion.
func (e *RecomputeEngine) promote(ctx context.Context, p *pass) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.groupTimeout)
	defer cancel()

	uow := e.uowFactory.Create()
	if err := uow.Begin(pctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := uow.StagingMembershipRepository().Promote(pctx); err != nil {
		return fmt.Errorf("failed to promote staged membership: %w", err)
	}

	promoted := make([]models.GroupOutcome, 0, len(p.result.Completed))
	var missing []models.GroupFailure
	for _, outcome := range p.result.Completed {
		err := uow.GroupRepository().UpdateSummary(pctx, outcome.GroupID, outcome.RunAt, outcome.StudentCount)
		if errors.Is(err, ErrGroupNotFound) {
			missing = append(missing, models.GroupFailure{
				GroupID: outcome.GroupID,
				Name:    outcome.Name,
				Kind:    models.ErrorKindMaterializationFailure,
				Reason:  err.Error(),
			})
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to update summary for group %d: %w", outcome.GroupID, err)
		}
		promoted = append(promoted, outcome)
		uow.EventBus().Publish(groupRecomputedEvent(p.result.RunID, outcome))
	}

	if err := uow.Commit(); err != nil {
		return err
	}

	for _, failure := range missing {
		p.logger.WithFields(log.Fields{
			"groupID": failure.GroupID,
			"kind":    failure.Kind,
			"error":   failure.Reason,
		}).Warn("Skipped group")
	}
	p.result.Completed = promoted
	p.result.Skipped = append(p.result.Skipped, missing...)
	sort.Slice(p.result.Skipped, func(i, j int) bool {
		return p.result.Skipped[i].GroupID < p.result.Skipped[j].GroupID
	})
	return nil
}

// discardStaged reports staged groups as cancelled when a shadow pass stops
// before promotion; the live table keeps the previous pass
func (e *RecomputeEngine) discardStaged(p *pass) {
	e.moveCompletedToSkipped(p, models.ErrorKindCancelled, "pass cancelled before staged membership was promoted")
}

func (e *RecomputeEngine) abandonCompleted(p *pass, err error) {
	e.moveCompletedToSkipped(p, models.ErrorKindPassFatal, err.Error())
}

func (e *RecomputeEngine) moveCompletedToSkipped(p *pass, kind models.ErrorKind, reason string) {
	for _, outcome := range p.result.Completed {
		p.result.Skipped = append(p.result.Skipped, models.GroupFailure{
			GroupID: outcome.GroupID,
			Name:    outcome.Name,
			Kind:    kind,
			Reason:  reason,
		})
	}
	p.result.Completed = []models.GroupOutcome{}
	sort.Slice(p.result.Skipped, func(i, j int) bool {
		return p.result.Skipped[i].GroupID < p.result.Skipped[j].GroupID
	})
}

// finish records the pass history, metrics and completion event. Recording
// is best effort and never changes the pass outcome.
func (e *RecomputeEngine) finish(ctx context.Context, p *pass, runErr error) {
	result := p.result
	result.FinishedAt = time.Now().UTC()
	duration := result.FinishedAt.Sub(result.StartedAt)

	if err := e.recordRun(context.WithoutCancel(ctx), result); err != nil {
		p.logger.WithError(err).Error("Failed to record recompute run")
	}

	e.metrics.RecordPass(string(result.State), duration)

	if e.publisher != nil {
		e.publisher.Publish(events.PassCompletedEvent{
			RunID:           result.RunID,
			State:           string(result.State),
			CompletedGroups: len(result.Completed),
			SkippedGroups:   len(result.Skipped),
			ReferenceTime:   result.ReferenceTime,
			FinishedAt:      result.FinishedAt,
		})
	}

	entry := p.logger.WithFields(log.Fields{
		"state":           result.State,
		"completedGroups": len(result.Completed),
		"skippedGroups":   len(result.Skipped),
		"membershipRows":  result.MembershipRows(),
		"duration":        duration,
	})
	if runErr != nil {
		entry.WithError(runErr).Error("Recompute pass did not complete")
		return
	}
	entry.Info("Recompute pass completed")
}

func (e *RecomputeEngine) recordRun(ctx context.Context, result *models.RecomputeResult) error {
	summary := map[string]interface{}{
		"mode":            result.Mode,
		"membership_rows": result.MembershipRows(),
		"skipped":         result.Skipped,
	}
	if result.FatalError != "" {
		summary["fatal_error"] = result.FatalError
	}

	run := &models.RecomputeRun{
		ID:               result.RunID,
		State:            result.State,
		ReferenceTime:    result.ReferenceTime,
		StartedAt:        result.StartedAt,
		FinishedAt:       result.FinishedAt,
		CompletedGroups:  len(result.Completed),
		SkippedGroups:    len(result.Skipped),
		ExecutionSummary: summary,
	}

	uow := e.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := uow.RecomputeRunRepository().Create(ctx, run); err != nil {
		return err
	}
	return uow.Commit()
}

// LatestRun returns the most recent recorded pass
func (e *RecomputeEngine) LatestRun(ctx context.Context) (*models.RecomputeRun, error) {
	uow := e.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	run, err := uow.RecomputeRunRepository().GetLatest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}

	if err := uow.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

func groupRecomputedEvent(runID uuid.UUID, outcome models.GroupOutcome) events.GroupRecomputedEvent {
	return events.GroupRecomputedEvent{
		RunID:        runID,
		GroupID:      outcome.GroupID,
		StudentCount: outcome.StudentCount,
		RunAt:        outcome.RunAt,
	}
}
