package ingestor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
)

var ErrFlushInProgress = errors.New("flush already in progress")

const schedulerTag = "scheduler"

type Flusher interface {
	Flush(ctx context.Context) (FlushResult, error)
}

// Scheduler decides when the engine runs. Every checkEvery it looks at the
// time since the last flush started and flushes once interval has passed.
// At most one flush runs at a time; callers that find one running are
// turned away, never queued.
type Scheduler struct {
	flusher    Flusher
	clock      quartz.Clock
	interval   time.Duration
	checkEvery time.Duration
	metrics    *Metrics
	logger     zerolog.Logger

	inflight sync.Mutex

	mu         sync.Mutex
	lastFlush  time.Time
	lastResult FlushResult
	lastErr    error
	lastErrAt  time.Time
}

func NewScheduler(flusher Flusher, clock quartz.Clock, interval, checkEvery time.Duration, metrics *Metrics, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Scheduler{
		flusher:    flusher,
		clock:      clock,
		interval:   interval,
		checkEvery: checkEvery,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run checks once straight away and then every checkEvery until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("polling_interval", s.interval).
		Dur("check_interval", s.checkEvery).
		Msg("poll scheduler started")

	s.Check(ctx)
	w := s.clock.TickerFunc(ctx, s.checkEvery, func() error {
		s.Check(ctx)
		return nil
	}, schedulerTag)

	err := w.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Check flushes if the polling interval has elapsed since the last flush
// started. It reports whether a flush ran.
func (s *Scheduler) Check(ctx context.Context) bool {
	s.mu.Lock()
	last := s.lastFlush
	s.mu.Unlock()

	if !last.IsZero() && s.clock.Since(last, schedulerTag) < s.interval {
		if s.metrics != nil {
			s.metrics.FlushSkipped.WithLabelValues("interval").Inc()
		}
		return false
	}
	_, err := s.TryFlush(ctx)
	return !errors.Is(err, ErrFlushInProgress)
}

// TryFlush runs a flush now unless one is already running, in which case it
// returns ErrFlushInProgress immediately. The last flush time is taken at
// entry so that a slow or failing flush still waits a full interval before
// the next one.
func (s *Scheduler) TryFlush(ctx context.Context) (res FlushResult, err error) {
	if !s.inflight.TryLock() {
		if s.metrics != nil {
			s.metrics.FlushSkipped.WithLabelValues("in_progress").Inc()
		}
		s.logger.Debug().Msg("flush already running, skipping")
		return FlushResult{}, ErrFlushInProgress
	}
	defer s.inflight.Unlock()

	start := s.clock.Now(schedulerTag)
	s.mu.Lock()
	s.lastFlush = start
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush panicked: %v", r)
			s.logger.Error().Interface("panic", r).Msg("recovered from panic during flush")
		}
		s.record(res, err)
	}()

	res, err = s.flusher.Flush(ctx)
	elapsed := s.clock.Since(start, schedulerTag)
	if s.metrics != nil {
		s.metrics.FlushDuration.Observe(elapsed.Seconds())
	}

	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Warn().Err(err)
	}
	ev.Int("sensors", res.Sensors).
		Int("new_readings", res.NewReadings).
		Int("duplicates", res.Duplicates).
		Int("failed", res.Failed).
		Bool("aborted", res.Aborted).
		Dur("took", elapsed).
		Msg("flush finished")
	return res, err
}

func (s *Scheduler) record(res FlushResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = res
	if err != nil {
		s.lastErr = err
		s.lastErrAt = s.clock.Now(schedulerTag)
	}
}

// LastFlush is the start time of the most recent flush, zero before the first.
func (s *Scheduler) LastFlush() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFlush
}

func (s *Scheduler) LastResult() FlushResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

// LastErrorAge returns how long ago a flush last failed, and false if none has.
func (s *Scheduler) LastErrorAge() (time.Duration, bool) {
	s.mu.Lock()
	at := s.lastErrAt
	s.mu.Unlock()
	if at.IsZero() {
		return 0, false
	}
	return s.clock.Since(at, schedulerTag), true
}
