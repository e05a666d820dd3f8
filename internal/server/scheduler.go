package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/conductor/internal/store"
)

// Scheduler replays saved workflows on their cron schedules. A redis
// SetNX lock prevents duplicate replays when several instances run, and
// last-run times are persisted so restarts do not refire every schedule.
type Scheduler struct {
	Store *store.Store
	Rdb   *redis.Client
	Orch  Engine
	Stop  chan struct{}

	logger *log.Logger
}

func NewScheduler(st *store.Store, rdb *redis.Client, orch Engine) *Scheduler {
	return &Scheduler{
		Store:  st,
		Rdb:    rdb,
		Orch:   orch,
		Stop:   make(chan struct{}),
		logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
}

func (s *Scheduler) Start() {
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	schedules, err := s.Store.ListSchedules(ctx)
	if err != nil {
		s.logger.Printf("list schedules: %v", err)
		return
	}
	for _, sched := range schedules {
		// a schedule that never fired counts from its creation time
		last := sched.CreatedAt
		if sched.LastRunAt != nil {
			last = *sched.LastRunAt
		}
		if !isDue(sched.Cron, last) {
			continue
		}

		if s.Rdb != nil {
			lockKey := "sched:lock:" + sched.ID
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}

		def, found, err := s.Store.GetWorkflow(ctx, sched.WorkflowID)
		if err != nil || !found {
			s.logger.Printf("schedule %s: workflow %s unavailable: %v", sched.ID, sched.WorkflowID, err)
			continue
		}
		id, err := s.Orch.Replay(ctx, sched.UserID, def)
		if err != nil {
			s.logger.Printf("schedule %s: replay: %v", sched.ID, err)
			continue
		}
		s.logger.Printf("schedule %s: started replay task %s", sched.ID, id)
		if err := s.Store.TouchSchedule(ctx, sched.ID, time.Now()); err != nil {
			s.logger.Printf("schedule %s: record last run: %v", sched.ID, err)
		}
	}
}

// ValidateCron rejects schedule expressions the scheduler cannot evaluate.
// Accepts "@daily", "@hourly", and standard cron expressions.
func ValidateCron(spec string) error {
	switch spec {
	case "@daily", "@hourly":
		return nil
	}
	if _, err := cronexpr.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// isDue determines if a schedule should fire now given when it last fired.
// Expressions are validated at creation; anything unparseable is skipped.
func isDue(cronSpec string, last time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		return now.Sub(last) >= 24*time.Hour
	case "@hourly":
		return now.Sub(last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			return false
		}
		return !expr.Next(last).After(now)
	}
}
