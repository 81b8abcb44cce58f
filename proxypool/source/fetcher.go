package source

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"rapidproxyscan/internal/shared/logger"
)

// Report 汇总一次抓取周期的结果。
type Report struct {
	Candidates []Candidate
	Succeeded  int
	Failed     int
}

// Fetcher 并发抓取所有代理源。并发数受 workers 限制，
// 单个源的失败只记录日志，不影响其他源。
type Fetcher struct {
	sources []Source
	workers int
	timeout time.Duration
	limiter *rate.Limiter
}

// NewFetcher 创建一个 Fetcher。ratePerSecond <= 0 表示不限速。
func NewFetcher(sources []Source, workers int, timeout time.Duration, ratePerSecond float64) *Fetcher {
	if workers < 1 {
		workers = 1
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &Fetcher{
		sources: sources,
		workers: workers,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, workers),
	}
}

// Sources 返回已配置的代理源。
func (f *Fetcher) Sources() []Source { return f.sources }

// FetchAll 抓取所有源并按源的顺序合并结果。
func (f *Fetcher) FetchAll(ctx context.Context) Report {
	l := logger.WithComponent("ProxyPool/Fetcher")
	l.Info().Int("sources", len(f.sources)).Int("workers", f.workers).Msg("Starting fetch cycle...")

	results := make([][]Candidate, len(f.sources))
	var mu sync.Mutex
	var report Report

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for i, s := range f.sources {
		g.Go(func() error {
			if err := f.limiter.Wait(gctx); err != nil {
				mu.Lock()
				report.Failed++
				mu.Unlock()
				return nil
			}

			sctx := gctx
			if f.timeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(gctx, f.timeout)
				defer cancel()
			}

			candidates, err := s.Fetch(sctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				l.Warn().Err(err).Str("source", s.Name()).Msg("Source fetch failed.")
				return nil
			}
			report.Succeeded++
			results[i] = candidates
			l.Info().Int("count", len(candidates)).Str("source", s.Name()).Msg("Source fetched.")
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		report.Candidates = append(report.Candidates, r...)
	}
	l.Info().
		Int("candidates", len(report.Candidates)).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Msg("Fetch cycle finished.")
	return report
}
