package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/mtforge/internal/report"
	"github.com/MimeLyc/mtforge/pkg/icron"
	"github.com/MimeLyc/mtforge/pkg/log"
)

// Scheduler re-runs the resume logic on a cron schedule. Triggers that fire
// while a run is in progress join it instead of starting another.
type Scheduler struct {
	orch     *Orchestrator
	cronExpr string
	cron     *cron.Cron
	group    singleflight.Group
	onDone   func(report.Report, error)
}

func NewScheduler(orch *Orchestrator, cronExpr string, engine *cron.Cron) (*Scheduler, error) {
	if _, err := icron.Parse(cronExpr); err != nil {
		return nil, err
	}
	if engine == nil {
		engine = cron.New()
	}
	return &Scheduler{orch: orch, cronExpr: cronExpr, cron: engine}, nil
}

// OnDone registers a callback invoked after every scheduled run.
func (s *Scheduler) OnDone(fn func(report.Report, error)) {
	s.onDone = fn
}

// Trigger runs the orchestrator now, sharing the result with concurrent callers.
func (s *Scheduler) Trigger(ctx context.Context) (report.Report, bool, error) {
	v, err, shared := s.group.Do("run", func() (any, error) {
		return s.orch.Run(ctx)
	})
	rep, _ := v.(report.Report)
	return rep, shared, err
}

// Schedule registers the cron job. The first run happens at the next trigger.
func (s *Scheduler) Schedule(ctx context.Context) error {
	runFunc := func() {
		if ctx.Err() != nil {
			return
		}
		log.Info("Scheduled run triggered")
		rep, shared, err := s.Trigger(ctx)
		if shared {
			return
		}
		switch {
		case errors.Is(err, context.Canceled):
			log.Info("Scheduled run interrupted")
		case err != nil:
			log.Error("Scheduled run failed: %v", err)
		}
		if s.onDone != nil {
			s.onDone(rep, err)
		}
	}
	if _, err := s.cron.AddFunc(s.cronExpr, runFunc); err != nil {
		return fmt.Errorf("register cron %q: %w", s.cronExpr, err)
	}

	info, err := icron.GetTriggerInfo(s.cronExpr, time.Now())
	if err == nil {
		log.Info("Scheduled mode: %s, next run at %s", s.cronExpr, info.Next.Format(time.RFC3339))
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron engine and waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
