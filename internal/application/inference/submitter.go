package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dtrovato997/speechanalysis/internal/application"
	"github.com/dtrovato997/speechanalysis/internal/application/analyses"
	domain "github.com/dtrovato997/speechanalysis/internal/domain/analysis"
	"github.com/dtrovato997/speechanalysis/internal/domain/inference"
)

// ErrThrottled is returned when a manual submission would exceed the pace the
// backend can absorb.
var ErrThrottled = errors.New("inference throttled, try again later")

// Submitter drains pending analyses to the model backend. The ticker sweep
// picks up records the HTTP trigger missed (crashes, backend downtime); both
// paths share one token bucket so the backend never sees a burst larger than
// its queue.
type Submitter struct {
	Analyses *analyses.Service
	Engine   inference.Engine
	Clock    application.Clock
	Log      *slog.Logger

	Interval  time.Duration
	BatchSize int

	throttleOnce sync.Once
	throttle     *tokenBucket
}

func (s *Submitter) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Submitter) clock() application.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return application.SystemClock{}
}

func (s *Submitter) batch() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 5
}

func (s *Submitter) bucket() *tokenBucket {
	s.throttleOnce.Do(func() {
		// Burst of one batch, refilled at one call per second.
		s.throttle = newTokenBucket(s.batch(), 1)
	})
	return s.throttle
}

// Run sweeps immediately, then on every tick until ctx is cancelled. An
// immediate first sweep clears the backlog left by a crash or a backend
// outage without waiting a full interval.
func (s *Submitter) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.logger().Info("submitter started", "interval", interval, "batch", s.batch())

	s.sweep(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger().Info("submitter stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Submitter) sweep(ctx context.Context) {
	records, err := s.Analyses.ListPending(ctx, s.batch())
	if err != nil {
		s.logger().Error("list pending analyses", "error", err)
		return
	}
	for i, a := range records {
		if ctx.Err() != nil {
			return
		}
		if !s.bucket().Allow() {
			s.logger().Warn("inference throttled, deferring pending analyses", "deferred", len(records)-i)
			return
		}
		// A failed record is marked SendError inside submit and drops out
		// of the pending queue; the sweep moves on.
		_ = s.submit(ctx, a)
	}
}

// SubmitNow runs one record through the backend regardless of its send
// status, so an errored or already-sent analysis can be re-run on demand.
func (s *Submitter) SubmitNow(ctx context.Context, id int64) error {
	a, err := s.Analyses.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.bucket().Allow() {
		return ErrThrottled
	}
	return s.submit(ctx, a)
}

func (s *Submitter) submit(ctx context.Context, a *domain.Analysis) error {
	if a.RecordingPath == "" {
		err := errors.New("no recording on file")
		s.fail(ctx, a.ID, err)
		return err
	}

	pred, err := s.Engine.PredictAll(ctx, a.RecordingPath)
	if err != nil {
		s.fail(ctx, a.ID, err)
		return err
	}

	now := s.clock().Now().UTC()
	applied := 0
	for _, cr := range []struct {
		ch     domain.Channel
		values map[string]float64
	}{
		{domain.ChannelAge, pred.Age},
		{domain.ChannelGender, pred.Gender},
		{domain.ChannelNationality, pred.Nationality},
		{domain.ChannelEmotion, pred.Emotion},
	} {
		if len(cr.values) == 0 {
			continue
		}
		if err := s.Analyses.ApplyPredictions(ctx, a.ID, cr.ch, cr.values, now); err != nil {
			s.fail(ctx, a.ID, fmt.Errorf("store %s result: %w", cr.ch, err))
			return err
		}
		applied++
	}
	if applied == 0 {
		err := errors.New("backend returned no predictions")
		s.fail(ctx, a.ID, err)
		return err
	}

	if err := s.Analyses.MarkSent(ctx, a.ID); err != nil {
		s.logger().Error("mark analysis sent", "id", a.ID, "error", err)
		return err
	}
	s.logger().Info("analysis predictions stored", "id", a.ID, "channels", applied)
	return nil
}

func (s *Submitter) fail(ctx context.Context, id int64, cause error) {
	s.logger().Error("analysis submission failed", "id", id, "error", cause)
	if err := s.Analyses.MarkError(ctx, id, cause.Error()); err != nil {
		s.logger().Error("mark analysis error", "id", id, "error", err)
	}
}

// tokenBucket paces backend calls. Same refill arithmetic as the HTTP rate
// limiter; elapsed intervals shorter than one refill carry no tokens.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	refillRate int // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacity, refillRate int) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tokensToAdd := int(elapsed * float64(tb.refillRate))

	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}
