package boardinfo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"ttstudio/pkg/types"
)

const (
	keySMIData   = "tt_smi_data"
	keyBoardType = "board_type"

	failureTTL     = 2 * time.Minute
	notFoundTTL    = 5 * time.Minute
	defaultTTL     = time.Hour
	defaultTimeout = 10 * time.Second
)

// Options configures a Service.
type Options struct {
	Runner        Runner
	Timeout       time.Duration
	CacheTTL      time.Duration
	ResetAttempts int
	ResetGap      time.Duration
	ResetTimeout  time.Duration
	Logger        zerolog.Logger
}

type cachedReport struct {
	report SMIReport
	err    error
}

// Service owns the TT-SMI cache.
type Service struct {
	opts  Options
	cache *gocache.Cache
	// serializes CLI runs so concurrent misses share one invocation
	mu sync.Mutex
}

// New returns a Service with an empty cache.
func New(opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultTTL
	}
	if opts.ResetAttempts <= 0 {
		opts.ResetAttempts = 3
	}
	if opts.ResetGap <= 0 {
		opts.ResetGap = 2 * time.Second
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 60 * time.Second
	}
	return &Service{opts: opts, cache: gocache.New(opts.CacheTTL, 10*time.Minute)}
}

// Report returns the cached `tt-smi -s` report, running the CLI on a miss.
// Failures are cached for a short window so a missing or hung CLI is not
// re-run on every request.
func (s *Service) Report(ctx context.Context) (SMIReport, error) {
	if v, ok := s.cache.Get(keySMIData); ok {
		c := v.(cachedReport)
		return c.report, c.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache.Get(keySMIData); ok {
		c := v.(cachedReport)
		return c.report, c.err
	}
	// The report is shared by every caller, so one caller going away must not
	// cut it short. The service timeout still bounds the run.
	out, err := s.opts.Runner.Run(context.WithoutCancel(ctx), s.opts.Timeout, "-s")
	var rep SMIReport
	if err == nil {
		rep, err = ParseReport(out)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return rep, err
	}
	if err != nil {
		ttl := failureTTL
		if errors.Is(err, ErrNotInstalled) {
			ttl = notFoundTTL
		}
		s.opts.Logger.Warn().Err(err).Dur("retry_in", ttl).Msg("tt-smi unavailable")
		s.cache.Set(keySMIData, cachedReport{err: err}, ttl)
		s.cache.Set(keyBoardType, Unknown, ttl)
		return rep, err
	}
	s.cache.Set(keySMIData, cachedReport{report: rep}, gocache.DefaultExpiration)
	label := DeriveLabel(rep)
	s.cache.Set(keyBoardType, label, gocache.DefaultExpiration)
	s.opts.Logger.Debug().Str("board_type", label).Int("devices", len(rep.DeviceInfo)).Msg("tt-smi refreshed")
	return rep, nil
}

// BoardType returns the cached canonical board label, Unknown on failure.
func (s *Service) BoardType(ctx context.Context) string {
	if v, ok := s.cache.Get(keyBoardType); ok {
		return v.(string)
	}
	rep, err := s.Report(ctx)
	if err != nil {
		return Unknown
	}
	return DeriveLabel(rep)
}

// Info returns the board label and display name.
func (s *Service) Info(ctx context.Context) types.BoardInfo {
	label := s.BoardType(ctx)
	return types.BoardInfo{Type: label, Name: DisplayName(label)}
}

// Invalidate clears both cache keys. Safe to call concurrently.
func (s *Service) Invalidate() {
	s.cache.Delete(keySMIData)
	s.cache.Delete(keyBoardType)
}

// ResetResult reports a board reset.
type ResetResult struct {
	Status   string   `json:"status"`
	Output   string   `json:"output"`
	Warnings []string `json:"warnings,omitempty"`
	Attempts int      `json:"attempts"`
}

var precheckWarnings = []string{"response_q out of sync", "rd_ptr"}

// Reset runs `tt-smi -r`, retrying with a fixed gap. The device-detection
// pre-check's warnings are reported but never fail the reset. The cache is
// invalidated afterwards regardless of outcome. Cancelling ctx does not
// interrupt a reset in progress.
func (s *Service) Reset(ctx context.Context) (ResetResult, error) {
	defer s.Invalidate()
	// A reset interrupted halfway leaves the card unusable; it runs to
	// completion once started. ResetTimeout bounds each attempt.
	ctx = context.WithoutCancel(ctx)
	res := ResetResult{}
	if out, err := s.opts.Runner.Run(ctx, s.opts.Timeout, "-ls"); err == nil || len(out) > 0 {
		res.Warnings = scanWarnings(string(out))
	}
	var outputs []string
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res.Attempts++
		out, err := s.opts.Runner.Run(ctx, s.opts.ResetTimeout, "-r")
		outputs = append(outputs, strings.TrimSpace(string(out)))
		if errors.Is(err, ErrNotInstalled) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			s.opts.Logger.Warn().Err(err).Int("attempt", res.Attempts).Msg("board reset failed")
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewConstantBackOff(s.opts.ResetGap)), backoff.WithMaxTries(uint(s.opts.ResetAttempts)))
	res.Output = strings.TrimSpace(strings.Join(outputs, "\n"))
	if err != nil {
		res.Status = "error"
		boardResets.WithLabelValues("error").Inc()
		return res, err
	}
	res.Status = "success"
	boardResets.WithLabelValues("success").Inc()
	return res, nil
}

func scanWarnings(out string) []string {
	var warns []string
	for _, line := range strings.Split(out, "\n") {
		for _, w := range precheckWarnings {
			if strings.Contains(line, w) {
				warns = append(warns, strings.TrimSpace(line))
				break
			}
		}
	}
	return warns
}
