package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"rollgroups/service"

	log "github.com/sirupsen/logrus"
)

// RecomputeWorker triggers a recompute pass on a fixed interval
type RecomputeWorker struct {
	recompute service.RecomputeService
}

// NewRecomputeWorker creates a new recompute worker
func NewRecomputeWorker(recompute service.RecomputeService) *RecomputeWorker {
	return &RecomputeWorker{recompute: recompute}
}

// Start runs a pass immediately and then every interval until ctx is done or
// the returned stop function is called. Stopping cancels a pass already
// running and waits for it to wind down, so callers can release shared
// backends afterwards. The stop function is safe to call more than once.
func (w *RecomputeWorker) Start(ctx context.Context, interval time.Duration) func() {
	stopChan := make(chan struct{})
	done := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(done)
		log.WithField("interval", interval).Info("Recompute worker started")

		wait := time.Duration(0)
		for {
			select {
			case <-runCtx.Done():
				log.Info("Recompute worker shutting down (context cancelled)...")
				return
			case <-stopChan:
				log.Info("Recompute worker shutting down (stop requested)...")
				return
			case <-time.After(wait):
				w.runPass(runCtx)
				wait = interval
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopChan)
			cancel()
		})
		<-done
	}
}

func (w *RecomputeWorker) runPass(ctx context.Context) {
	result, err := w.recompute.RunOnce(ctx)
	switch {
	case errors.Is(err, service.ErrPassInProgress):
		log.Info("Skipping scheduled recompute, another pass is running")
		return
	case result == nil && err != nil:
		log.WithError(err).Error("Scheduled recompute pass failed to start")
		return
	}

	fields := log.Fields{
		"runID":           result.RunID,
		"state":           result.State,
		"completedGroups": len(result.Completed),
		"skippedGroups":   len(result.Skipped),
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("Scheduled recompute pass did not complete")
		return
	}
	if len(result.Skipped) > 0 {
		log.WithFields(fields).Warn("Scheduled recompute pass skipped groups")
		return
	}
	log.WithFields(fields).Info("Scheduled recompute pass completed")
}
