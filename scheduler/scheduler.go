// Package scheduler triggers the renewal check on a cron schedule and keeps
// a short history of its runs.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/membership/billing"
	"github.com/GoCodeAlone/membership/lock"
)

const (
	// DefaultSchedule runs the renewal check at the top of every hour.
	DefaultSchedule = "0 * * * *"
	// LockKey serialises renewal checks across instances sharing a Locker.
	LockKey = "renewal-check"

	defaultLockTTL     = 10 * time.Minute
	defaultHistorySize = 100
)

// RunStatus represents the result of a renewal run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
	RunStatusSkipped RunStatus = "skipped"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// RunRecord records the result of a single renewal run.
type RunRecord struct {
	ID        string                 `json:"id"`
	Trigger   Trigger                `json:"trigger"`
	Status    RunStatus              `json:"status"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
	Error     string                 `json:"error,omitempty"`
	Report    *billing.RenewalReport `json:"report,omitempty"`
}

// Runner performs one renewal check. *billing.Engine implements it.
type Runner interface {
	RunRenewalCheck(ctx context.Context, now time.Time) (*billing.RenewalReport, error)
}

// Config configures a RenewalScheduler.
type Config struct {
	// Schedule is a standard 5-field cron expression or a descriptor such
	// as "@hourly" or "@every 15m".
	Schedule    string
	Locker      lock.Locker
	LockTTL     time.Duration
	HistorySize int
	Logger      *slog.Logger
	Clock       func() time.Time
}

// RenewalScheduler runs the renewal check whenever its schedule fires.
type RenewalScheduler struct {
	mu       sync.RWMutex
	runner   Runner
	expr     string
	schedule cron.Schedule
	locker   lock.Locker
	lockTTL  time.Duration
	logger   *slog.Logger
	clock    func() time.Time
	history  []*RunRecord
	maxHist  int
	nextRun  *time.Time
	lastRun  *time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a RenewalScheduler. It returns an error if the schedule does
// not parse.
func New(runner Runner, cfg Config) (*RenewalScheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Schedule, err)
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewInMemoryLock()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &RenewalScheduler{
		runner:   runner,
		expr:     cfg.Schedule,
		schedule: sched,
		locker:   cfg.Locker,
		lockTTL:  cfg.LockTTL,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		maxHist:  cfg.HistorySize,
	}, nil
}

// ValidateCron checks a cron expression the way New parses it.
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// Schedule returns the cron expression the scheduler runs on.
func (s *RenewalScheduler) Schedule() string { return s.expr }

// Start launches the schedule loop. It returns immediately; the loop ends
// when ctx is done or Stop is called.
func (s *RenewalScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stop)
	s.logger.Info("renewal scheduler started", "schedule", s.expr)
}

// Stop ends the schedule loop and waits for an in-flight run to finish.
func (s *RenewalScheduler) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("renewal scheduler stopped")
}

func (s *RenewalScheduler) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		now := s.clock()
		next := s.schedule.Next(now)
		s.mu.Lock()
		s.nextRun = &next
		s.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			s.run(ctx, TriggerSchedule, time.Time{})
		}
	}
}

// RunNow triggers an immediate renewal check. A zero now means the current
// time.
func (s *RenewalScheduler) RunNow(ctx context.Context, now time.Time) *RunRecord {
	return s.run(ctx, TriggerManual, now)
}

func (s *RenewalScheduler) run(ctx context.Context, trigger Trigger, now time.Time) *RunRecord {
	start := s.clock()
	if now.IsZero() {
		now = start
	}
	rec := &RunRecord{
		ID:        mustGenerateID("run"),
		Trigger:   trigger,
		StartedAt: start,
	}

	release, ok, err := s.locker.TryAcquire(ctx, LockKey, s.lockTTL)
	switch {
	case err != nil:
		rec.Status = RunStatusFailed
		rec.Error = fmt.Sprintf("acquire %s lock: %v", LockKey, err)
		s.logger.Error("renewal check lock failed", "trigger", trigger, "error", err)
	case !ok:
		rec.Status = RunStatusSkipped
		s.logger.Info("renewal check already running, skipping", "trigger", trigger)
	default:
		report, runErr := s.runner.RunRenewalCheck(ctx, now)
		release()
		rec.Report = report
		switch {
		case runErr != nil:
			rec.Status = RunStatusFailed
			rec.Error = runErr.Error()
			s.logger.Error("renewal check failed", "trigger", trigger, "error", runErr)
		case report != nil && len(report.Errors) > 0:
			rec.Status = RunStatusPartial
		default:
			rec.Status = RunStatusSuccess
		}
	}
	rec.Duration = s.clock().Sub(start)

	s.mu.Lock()
	if rec.Status != RunStatusSkipped {
		last := start
		s.lastRun = &last
	}
	s.history = append(s.history, rec)
	if len(s.history) > s.maxHist {
		s.history = s.history[len(s.history)-s.maxHist:]
	}
	s.mu.Unlock()
	return rec
}

// History returns up to limit run records, newest first. A limit of zero
// returns all kept records.
func (s *RenewalScheduler) History(limit int) []*RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	result := make([]*RunRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		result = append(result, s.history[i])
	}
	return result
}

// Status reports when the scheduler last ran and when it runs next.
func (s *RenewalScheduler) Status() (last, next *time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun, s.nextRun
}

// NextRuns returns the next n activation times after from.
func (s *RenewalScheduler) NextRuns(from time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		from = s.schedule.Next(from)
		if from.IsZero() {
			break
		}
		times = append(times, from)
	}
	return times
}

func generateID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "-" + hex.EncodeToString(b), nil
}

func mustGenerateID(prefix string) string {
	id, err := generateID(prefix)
	if err != nil {
		return prefix + "-fallback"
	}
	return id
}
