package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rapidproxyscan/internal/service/web"
	"rapidproxyscan/internal/shared/logger"
	"rapidproxyscan/internal/shared/types"
	"rapidproxyscan/internal/sys/fdlimit"
	manager "rapidproxyscan/proxypool"
	"rapidproxyscan/proxypool/endpoint"
	"rapidproxyscan/proxypool/source"
	"rapidproxyscan/proxypool/tester"
	"rapidproxyscan/proxypool/validator"
)

// AppServer is the application's main struct. 它把配置装配成各个组件，
// 并负责它们的启动顺序和关闭顺序。
type AppServer struct {
	cfg *types.Config

	dns          *endpoint.DNSCache
	tracker      *endpoint.Tracker
	sourceClient *http.Client
	fetcher      *source.Fetcher
	prober       *tester.Tester

	proxyPoolManager *manager.Manager
	hub              *web.Hub

	waitGroup sync.WaitGroup
}

// New 根据配置创建 AppServer。配置应当已经通过 config.Validate。
func New(cfg *types.Config) (*AppServer, error) {
	l := logger.WithComponent("App")

	mode, err := validator.ParseMode(cfg.ScanConf.ValidationMode)
	if err != nil {
		return nil, err
	}

	workers, fdLimit := fdlimit.Cap(cfg.ScanConf.ConnectionLimit)
	if workers < cfg.ScanConf.ConnectionLimit {
		l.Warn().
			Int("requested", cfg.ScanConf.ConnectionLimit).
			Int("capped", workers).
			Uint64("fd_limit", fdLimit).
			Msg("connection_limit capped by file descriptor limit.")
	}

	s := &AppServer{
		cfg: cfg,
		dns: endpoint.NewDNSCache(endpoint.DefaultDNSTTL, nil),
		hub: web.NewHub(),
	}
	s.tracker = endpoint.NewTracker(buildRegionMap(cfg))
	s.sourceClient = buildSourceClient(s.dns)
	s.fetcher = buildFetcher(cfg, s.sourceClient)

	probeTimeout := time.Duration(cfg.ScanConf.Timeout * float64(time.Second))
	s.prober = tester.NewTester(probeTimeout, cfg.ScanConf.CheckAnonymity, s.dns)

	opts := manager.OptionsFromConfig(cfg)
	opts.ConnectionLimit = workers
	s.proxyPoolManager = manager.NewManager(opts, s.fetcher, s.prober,
		validator.NewValidator(mode, cfg.ScanConf.ValidationRounds), s.tracker, buildExporter(cfg))
	s.proxyPoolManager.AddIdleCloser(s.sourceClient)
	if cfg.WebConf.WebPort > 0 {
		s.proxyPoolManager.OnExport(s.hub.BroadcastExport)
	}

	return s, nil
}

// Manager 返回代理池管理器，供嵌入方通过 manager.ProxyProvider 取用代理。
func (s *AppServer) Manager() *manager.Manager {
	return s.proxyPoolManager
}

// Run is the server's entry point. 阻塞直到 ctx 取消，或单次运行完成。
func (s *AppServer) Run(ctx context.Context) error {
	l := logger.WithComponent("App")
	l.Info().
		Int("sources", len(s.fetcher.Sources())).
		Str("mode", s.cfg.ScanConf.ValidationMode).
		Int("rounds", s.cfg.ScanConf.ValidationRounds).
		Msg("Starting rapidproxyscan...")

	s.preResolve(ctx)

	webCtx, stopWeb := context.WithCancel(ctx)
	defer stopWeb()
	if err := web.StartServer(webCtx, &s.waitGroup, s.cfg.WebConf, s.proxyPoolManager, s.hub); err != nil {
		l.Error().Err(err).Msg("Startup failed, attempting a final export.")
		s.proxyPoolManager.ForceExport(context.WithoutCancel(ctx))
		return fmt.Errorf("startup: %w", err)
	}

	err := s.proxyPoolManager.Run(ctx)

	stopWeb()
	s.waitGroup.Wait()
	up, down := s.prober.Traffic()
	l.Info().
		Int("pool_size", s.proxyPoolManager.GetPoolSize()).
		Uint64("probe_bytes_up", up).
		Uint64("probe_bytes_down", down).
		Msg("rapidproxyscan stopped.")
	return err
}

// preResolve 预解析所有验证端点和 URL 代理源的主机名。
func (s *AppServer) preResolve(ctx context.Context) {
	urls := append([]string{}, s.tracker.Regions().All()...)
	urls = append(urls, s.cfg.ScanConf.TestURL)
	urls = append(urls, s.cfg.SourcesConf.Sources...)

	rctx, cancel := context.WithTimeout(ctx, preResolveTimeout)
	defer cancel()
	s.dns.PreResolve(rctx, endpoint.HostsOf(urls))
}
