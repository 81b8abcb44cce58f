package main

import (
	"flag"

	"rapidproxyscan/internal/shared/config"
	"rapidproxyscan/internal/shared/types"
)

// flagValues 保存命令行参数。只有显式设置过的参数才会覆盖配置文件。
type flagValues struct {
	checkInterval      int
	connectionLimit    int
	validationRounds   int
	validationMode     string
	timeout            float64
	checkAnonymity     bool
	forceFetch         bool
	singleRun          bool
	refreshMinInterval int
	maxProxiesToKeep   int
	testURL            string
	endpointsFile      string

	sources            string
	proxyFetchInterval int
	maxFetchWorkers    int
	maxFetchAttempts   int
	fetchRetryDelay    int
	fetchRate          float64
	crawlPages         int

	outputDir      string
	exportInterval int

	logLevel string

	webPort     int
	webUser     string
	webPassword string
}

func registerFlags(fs *flag.FlagSet) *flagValues {
	v := &flagValues{}
	d := types.Default()

	fs.IntVar(&v.checkInterval, "check-interval", d.CheckInterval, "Scheduling tick in seconds")
	fs.IntVar(&v.connectionLimit, "connection-limit", d.ConnectionLimit, "Number of concurrent test workers")
	fs.IntVar(&v.validationRounds, "validation-rounds", d.ValidationRounds, "Validation rounds per proxy")
	fs.StringVar(&v.validationMode, "validation-mode", d.ValidationMode, "Consensus mode: any, majority or all")
	fs.Float64Var(&v.timeout, "timeout", d.Timeout, "Per-probe timeout in seconds")
	fs.BoolVar(&v.checkAnonymity, "check-anonymity", d.CheckAnonymity, "Reject transparent or leaking proxies")
	fs.BoolVar(&v.forceFetch, "force-fetch", d.ForceFetch, "Fetch sources immediately on start")
	fs.BoolVar(&v.singleRun, "single-run", d.SingleRun, "Fetch, validate, export once and exit")
	fs.IntVar(&v.refreshMinInterval, "proxy-refresh-min-interval", d.ProxyRefreshMinInterval, "Minimum seconds before re-testing a usable proxy")
	fs.IntVar(&v.maxProxiesToKeep, "max-proxies-to-keep", d.MaxProxiesToKeep, "Registry capacity")
	fs.StringVar(&v.testURL, "test-url", d.TestURL, "Default verification endpoint")
	fs.StringVar(&v.endpointsFile, "endpoints-file", d.EndpointsFile, "YAML region map of verification endpoints")

	fs.StringVar(&v.sources, "sources", "", "Comma separated source URLs or file paths")
	fs.IntVar(&v.proxyFetchInterval, "proxy-fetch-interval", d.ProxyFetchInterval, "Seconds between source fetches")
	fs.IntVar(&v.maxFetchWorkers, "max-fetch-workers", d.MaxFetchWorkers, "Concurrent source fetches")
	fs.IntVar(&v.maxFetchAttempts, "max-fetch-attempts", d.MaxFetchAttempts, "Attempts per source URL")
	fs.IntVar(&v.fetchRetryDelay, "fetch-retry-delay", d.FetchRetryDelay, "Initial retry delay in seconds")
	fs.Float64Var(&v.fetchRate, "fetch-rate", d.FetchRatePerSecond, "Source requests per second (0 = unlimited)")
	fs.IntVar(&v.crawlPages, "crawl-pages", d.CrawlPages, "Pages crawled per {page} source")

	fs.StringVar(&v.outputDir, "output-dir", d.OutputDir, "Export directory (empty disables exports)")
	fs.IntVar(&v.exportInterval, "export-interval", d.ExportInterval, "Seconds between exports")

	fs.StringVar(&v.logLevel, "log-level", d.Level, "Log level: debug, info, warn, error")

	fs.IntVar(&v.webPort, "web-port", d.WebPort, "Status API port (0 disables)")
	fs.StringVar(&v.webUser, "web-user", d.WebUser, "Status API basic auth user")
	fs.StringVar(&v.webPassword, "web-password", d.WebPassword, "Status API basic auth password")
	return v
}

// apply 把显式设置过的参数写入 cfg。
func (v *flagValues) apply(fs *flag.FlagSet, cfg *types.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "check-interval":
			cfg.CheckInterval = v.checkInterval
		case "connection-limit":
			cfg.ConnectionLimit = v.connectionLimit
		case "validation-rounds":
			cfg.ValidationRounds = v.validationRounds
		case "validation-mode":
			cfg.ValidationMode = v.validationMode
		case "timeout":
			cfg.Timeout = v.timeout
		case "check-anonymity":
			cfg.CheckAnonymity = v.checkAnonymity
		case "force-fetch":
			cfg.ForceFetch = v.forceFetch
		case "single-run":
			cfg.SingleRun = v.singleRun
		case "proxy-refresh-min-interval":
			cfg.ProxyRefreshMinInterval = v.refreshMinInterval
		case "max-proxies-to-keep":
			cfg.MaxProxiesToKeep = v.maxProxiesToKeep
		case "test-url":
			cfg.TestURL = v.testURL
		case "endpoints-file":
			cfg.EndpointsFile = v.endpointsFile
		case "sources":
			cfg.Sources = config.SplitList(v.sources)
		case "proxy-fetch-interval":
			cfg.ProxyFetchInterval = v.proxyFetchInterval
		case "max-fetch-workers":
			cfg.MaxFetchWorkers = v.maxFetchWorkers
		case "max-fetch-attempts":
			cfg.MaxFetchAttempts = v.maxFetchAttempts
		case "fetch-retry-delay":
			cfg.FetchRetryDelay = v.fetchRetryDelay
		case "fetch-rate":
			cfg.FetchRatePerSecond = v.fetchRate
		case "crawl-pages":
			cfg.CrawlPages = v.crawlPages
		case "output-dir":
			cfg.OutputDir = v.outputDir
		case "export-interval":
			cfg.ExportInterval = v.exportInterval
		case "log-level":
			cfg.Level = v.logLevel
		case "web-port":
			cfg.WebPort = v.webPort
		case "web-user":
			cfg.WebUser = v.webUser
		case "web-password":
			cfg.WebPassword = v.webPassword
		}
	})
}
