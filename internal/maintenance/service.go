// Package maintenance runs the recurring housekeeping jobs: a scheduled
// curation scan over the library and pruning of old terminal tasks.
package maintenance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"photoflow/internal/domain"
	"photoflow/internal/queue"
	"photoflow/internal/scheduler"
)

type Config struct {
	// CurationCron schedules the recurring curation scan ("" disables it).
	CurationCron string
	// CurationPayload is enqueued as the scan's photo-set payload.
	CurationPayload json.RawMessage
	// PruneAfter is the retention window for terminal tasks.
	PruneAfter time.Duration
	// CheckEvery is the tick interval.
	CheckEvery time.Duration
}

type Service struct {
	cfg      Config
	sched    *scheduler.Scheduler
	q        *queue.Queue
	curation cron.Schedule
	nextRun  time.Time
	stop     chan struct{}
	done     chan struct{}
}

func New(cfg Config, sched *scheduler.Scheduler, q *queue.Queue) (*Service, error) {
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = time.Minute
	}
	if cfg.PruneAfter <= 0 {
		cfg.PruneAfter = 7 * 24 * time.Hour
	}
	s := &Service{cfg: cfg, sched: sched, q: q, stop: make(chan struct{}), done: make(chan struct{})}
	if cfg.CurationCron != "" {
		sc, err := cron.ParseStandard(cfg.CurationCron)
		if err != nil {
			return nil, err
		}
		s.curation = sc
		s.nextRun = sc.Next(time.Now())
	}
	return s, nil
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckEvery)
	defer ticker.Stop()
	defer close(s.done)

	log.Info().Dur("interval", s.cfg.CheckEvery).Str("curation_cron", s.cfg.CurationCron).Msg("maintenance started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Service) tick(ctx context.Context, now time.Time) {
	if n := s.q.PruneTerminal(ctx, s.cfg.PruneAfter); n > 0 {
		log.Info().Int("pruned", n).Msg("maintenance: pruned terminal tasks")
	}

	if s.curation == nil || now.Before(s.nextRun) {
		return
	}
	s.nextRun = s.curation.Next(now)

	t, err := s.sched.Enqueue(ctx, domain.TypeCuration, s.cfg.CurationPayload, 0)
	if err != nil {
		log.Error().Err(err).Msg("maintenance: failed to enqueue curation scan")
		return
	}
	log.Info().Str("task_id", t.ID).Time("next_run", s.nextRun).Msg("maintenance: curation scan enqueued")
}
