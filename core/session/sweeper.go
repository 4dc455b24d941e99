package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Sweep runs a reconciliation pass for every attempt that can still fire checkpoints,
// so they fire even when no client is connected. Up to SweepConcurrency attempts are
// reconciled at once. It returns the number of attempts reconciled.
func (svc *Service) Sweep(ctx context.Context) (int, error) {
	since := svc.clock.Now().UTC().Add(-(svc.opts.ActiveDuration + svc.opts.GraceDuration))
	sessions, err := svc.repo.QueryOpenSessions(ctx, since)
	if err != nil {
		return 0, errors.Wrap(err, "querying open sessions")
	}

	limit := svc.opts.SweepConcurrency
	if limit < 1 {
		limit = 1
	}
	var (
		g     errgroup.Group
		count int64
	)
	g.SetLimit(limit)
	for _, sess := range sessions {
		if ctx.Err() != nil {
			break
		}
		sess := sess
		g.Go(func() error {
			out, err := svc.Reconcile(ctx, sess.ID, nil)
			if err != nil {
				svc.logger.Error(fmt.Sprintf("sweeping session %s", sess.ID), err, sess.Person())
				return nil
			}
			for _, w := range out.Warnings {
				svc.logger.Warn("sweep: "+w, sess.Person())
			}
			atomic.AddInt64(&count, 1)
			return nil
		})
	}
	_ = g.Wait()
	return int(count), ctx.Err()
}

// RunSweeper sweeps every `interval` until ctx is done.
func (svc *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Sweep(ctx); err != nil && ctx.Err() == nil {
				svc.logger.Error("sweeping sessions", err)
			}
		}
	}
}
