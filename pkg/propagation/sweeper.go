package propagation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper removes terminal job records past their retention, archiving
// each report first when an archiver is configured
type Sweeper struct {
	store     JobStore
	archiver  Archiver
	retention time.Duration
	batch     int
	log       *logrus.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper. archiver may be nil.
func NewSweeper(store JobStore, archiver Archiver, retention time.Duration, log *logrus.Logger) *Sweeper {
	if log == nil {
		log = logrus.New()
	}
	return &Sweeper{
		store:     store,
		archiver:  archiver,
		retention: retention,
		batch:     500,
		log:       log,
		now:       time.Now,
	}
}

// SweepResult reports one sweep
type SweepResult struct {
	Archived int
	Deleted  int
}

// Sweep deletes terminal jobs completed before now minus retention. A job
// whose archive upload fails is kept for the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.now().Add(-s.retention)

	for {
		jobs, err := s.store.List(ctx, ListFilter{FinishedBefore: cutoff, Limit: s.batch})
		if err != nil {
			return res, fmt.Errorf("failed to list expired jobs: %w", err)
		}
		if len(jobs) == 0 {
			return res, nil
		}

		ids := make([]string, 0, len(jobs))
		for _, job := range jobs {
			if s.archiver != nil {
				if err := s.archiver.Archive(ctx, job); err != nil {
					s.log.WithError(err).WithField("job_id", job.ID).Warn("Failed to archive job, keeping it")
					continue
				}
				res.Archived++
			}
			ids = append(ids, job.ID)
		}
		if len(ids) == 0 {
			return res, nil
		}

		n, err := s.store.Delete(ctx, ids)
		res.Deleted += n
		if err != nil {
			return res, fmt.Errorf("failed to delete expired jobs: %w", err)
		}
		// a kept job would be listed again
		if len(jobs) < s.batch || len(ids) < len(jobs) {
			break
		}
	}

	s.log.WithFields(logrus.Fields{
		"archived": res.Archived,
		"deleted":  res.Deleted,
		"cutoff":   cutoff,
	}).Info("Propagation job sweep complete")
	return res, nil
}
