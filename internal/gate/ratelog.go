package gate

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sampler lets a bounded rate of records through and counts the rest, so a
// hostile caller cannot flood the log or the journal.
type sampler struct {
	limit *rate.Limiter

	mu      sync.Mutex
	dropped int
}

func newSampler(every time.Duration, burst int) *sampler {
	return &sampler{limit: rate.NewLimiter(rate.Every(every), max(burst, 1))}
}

// Allow reports whether a record may be written now. When it may, the
// second result is the number of records dropped since the last one.
func (s *sampler) Allow() (bool, int) {
	return s.allowAt(time.Now())
}

func (s *sampler) allowAt(now time.Time) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.limit.AllowN(now, 1) {
		s.dropped++
		return false, 0
	}
	dropped := s.dropped
	s.dropped = 0
	return true, dropped
}

type rateLimitedLogger struct {
	logger *slog.Logger // nil: 每次使用當下的預設 logger
	s      *sampler
}

func newRateLimitedLogger(logger *slog.Logger, every time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{logger: logger, s: newSampler(every, 1)}
}

func (rl *rateLimitedLogger) Warn(msg string, args ...any) {
	ok, dropped := rl.s.Allow()
	if !ok {
		return
	}
	if dropped > 0 {
		args = append(args, "suppressed", dropped)
	}
	logger := rl.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(msg, args...)
}
