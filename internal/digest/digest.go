// Package digest posts a scheduled open-ticket summary to the control
// conversation.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Poster is the digest target; satisfied by the router.
type Poster interface {
	PostDigest(ctx context.Context)
}

// Scheduler fires Poster.PostDigest on a cron schedule.
type Scheduler struct {
	expr   string
	poster Poster
	cancel context.CancelFunc
	done   chan struct{}
}

func New(expr string, poster Poster) (*Scheduler, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("digest: invalid cron expression %q", expr)
	}
	return &Scheduler{expr: expr, poster: poster}, nil
}

// Start launches the schedule loop.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx)
}

// Stop halts the loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		next, err := gronx.NextTick(s.expr, false)
		if err != nil {
			slog.Error("digest schedule computation failed", "expr", s.expr, "error", err)
			return
		}
		wait := time.Until(next)
		slog.Debug("digest scheduled", "at", next, "in", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		s.poster.PostDigest(ctx)
	}
}
