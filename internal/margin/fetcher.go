// Package margin periodically resolves order margins for the live option set.
package margin

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chainstream/internal/broker"
	"chainstream/internal/logging"
	"chainstream/internal/metrics"
	"chainstream/pkg/utils"
)

// Requests lists the symbols whose margin should be resolved.
type Requests interface {
	LiveMarginRequests() []broker.MarginRequest
}

// Config holds fetcher configuration.
type Config struct {
	FetchInterval time.Duration
	BatchSize     int
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		FetchInterval: 30 * time.Second,
		BatchSize:     300,
		MaxAttempts:   3,
		RetryDelay:    time.Second,
		MaxRetryDelay: 5 * time.Second,
	}
}

// Result summarizes one fetch cycle.
type Result struct {
	Resolved   map[string]float64
	Unresolved []string
	Attempts   int
}

// Fetcher resolves margins in batches and hands them to a sink.
type Fetcher struct {
	config   Config
	source   broker.MarginSource
	requests Requests
	sink     func(map[string]float64)
	logger   zerolog.Logger

	running atomic.Bool
}

// NewFetcher creates a margin fetcher.
func NewFetcher(config Config, source broker.MarginSource, requests Requests, sink func(map[string]float64), logger zerolog.Logger) *Fetcher {
	if config.BatchSize <= 0 {
		config.BatchSize = 300
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	return &Fetcher{
		config:   config,
		source:   source,
		requests: requests,
		sink:     sink,
		logger:   logging.WithComponent(logger, "margin"),
	}
}

// Run fetches immediately and then on every interval until ctx is done.
// A tick that arrives while a cycle is still running is skipped.
func (f *Fetcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.config.FetchInterval)
	defer ticker.Stop()

	go f.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			go f.Cycle(ctx)
		}
	}
}

// Cycle runs one fetch cycle unless another is in progress. The second
// return value is false when the cycle was skipped.
func (f *Fetcher) Cycle(ctx context.Context) (Result, bool) {
	if !f.running.CompareAndSwap(false, true) {
		metrics.MarginCyclesSkipped.Inc()
		f.logger.Debug().Msg("Previous margin cycle still running, skipping")
		return Result{}, false
	}
	defer f.running.Store(false)

	res := f.fetch(ctx, f.requests.LiveMarginRequests())
	if len(res.Resolved) > 0 && f.sink != nil {
		f.sink(res.Resolved)
	}
	return res, true
}

// fetch resolves every request in at most MaxAttempts passes. Each pass only
// asks for the symbols still pending.
func (f *Fetcher) fetch(ctx context.Context, reqs []broker.MarginRequest) Result {
	res := Result{Resolved: make(map[string]float64)}
	pending := dedupe(reqs)
	if len(pending) == 0 {
		return res
	}
	start := time.Now()

	for attempt := 1; attempt <= f.config.MaxAttempts && len(pending) > 0; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			delay := utils.CalculateBackoff(attempt-1, f.config.RetryDelay, f.config.MaxRetryDelay, 2.0)
			if err := utils.SleepContext(ctx, delay); err != nil {
				break
			}
		}

		for from := 0; from < len(pending); from += f.config.BatchSize {
			to := from + f.config.BatchSize
			if to > len(pending) {
				to = len(pending)
			}
			batch := pending[from:to]

			margins, err := f.source.OrderMargins(ctx, batch)
			if err != nil {
				f.logger.Warn().Err(err).
					Int("attempt", attempt).
					Int("batch", len(batch)).
					Msg("Margin batch failed")
				continue
			}
			for _, r := range batch {
				if v, ok := margins[r.TradingSymbol]; ok && v > 0 {
					res.Resolved[r.TradingSymbol] = v
				}
			}
		}

		next := pending[:0:0]
		for _, r := range pending {
			if _, ok := res.Resolved[r.TradingSymbol]; !ok {
				next = append(next, r)
			}
		}
		pending = next

		if ctx.Err() != nil {
			break
		}
	}

	for _, r := range pending {
		res.Unresolved = append(res.Unresolved, r.TradingSymbol)
	}
	metrics.MarginResolved.Add(float64(len(res.Resolved)))
	metrics.MarginUnresolved.Add(float64(len(res.Unresolved)))

	event := f.logger.Info()
	if len(res.Unresolved) > 0 {
		event = f.logger.Warn().Strs("unresolved", res.Unresolved)
	}
	event.
		Int("resolved", len(res.Resolved)).
		Int("attempts", res.Attempts).
		Dur("duration", time.Since(start)).
		Msg("Margin cycle complete")

	return res
}

func dedupe(reqs []broker.MarginRequest) []broker.MarginRequest {
	seen := make(map[string]struct{}, len(reqs))
	out := make([]broker.MarginRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.TradingSymbol == "" {
			continue
		}
		if _, ok := seen[r.TradingSymbol]; ok {
			continue
		}
		seen[r.TradingSymbol] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradingSymbol < out[j].TradingSymbol })
	return out
}
