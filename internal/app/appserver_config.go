package app

import (
	"net"
	"net/http"
	"time"

	"rapidproxyscan/internal/shared/logger"
	"rapidproxyscan/internal/shared/types"
	manager "rapidproxyscan/proxypool"
	"rapidproxyscan/proxypool/endpoint"
	"rapidproxyscan/proxypool/export"
	"rapidproxyscan/proxypool/source"
	"rapidproxyscan/proxypool/storage"
)

const (
	// 单个代理源的抓取超时
	sourceFetchTimeout = 30 * time.Second
	// 启动时预解析验证端点和代理源主机名的总超时
	preResolveTimeout = 10 * time.Second
)

// buildRegionMap 加载 endpoints_file；未配置或加载失败时退回只含 test_url 的默认映射。
func buildRegionMap(cfg *types.Config) *endpoint.RegionMap {
	l := logger.WithComponent("App")
	if cfg.ScanConf.EndpointsFile == "" {
		return endpoint.DefaultRegionMap(cfg.ScanConf.TestURL)
	}
	rm, err := endpoint.LoadRegionMap(cfg.ScanConf.EndpointsFile, cfg.ScanConf.TestURL)
	if err != nil {
		l.Warn().Err(err).Str("file", cfg.ScanConf.EndpointsFile).Msg("Failed to load endpoints file, using test_url only.")
		return endpoint.DefaultRegionMap(cfg.ScanConf.TestURL)
	}
	l.Info().Int("regions", len(rm.Regions)).Int("endpoints", len(rm.All())).Msg("Endpoint region map loaded.")
	return rm
}

// buildSourceClient 创建抓取代理源用的 HTTP 客户端，拨号经过 DNS 缓存。
func buildSourceClient(dns *endpoint.DNSCache) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dns.DialContext(dialer),
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: sourceFetchTimeout}
}

func buildFetcher(cfg *types.Config, client *http.Client) *source.Fetcher {
	sc := cfg.SourcesConf
	sources := source.FromDescriptors(sc.Sources, client, sc.MaxFetchAttempts, time.Duration(sc.FetchRetryDelay)*time.Second, sc.CrawlPages)
	return source.NewFetcher(sources, sc.MaxFetchWorkers, sourceFetchTimeout, sc.FetchRatePerSecond)
}

// buildExporter 在 output_dir 为空时返回 NopExporter。
func buildExporter(cfg *types.Config) manager.ResultExporter {
	if cfg.ExportConf.OutputDir == "" {
		l := logger.WithComponent("App")
		l.Info().Msg("Exports are disabled (output_dir is empty).")
		return export.NewNopExporter()
	}
	return export.NewExporter(storage.NewFileStorage(cfg.ExportConf.OutputDir))
}
