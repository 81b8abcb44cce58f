package types

// ScanConf 包含扫描调度与验证策略相关的配置
type ScanConf struct {
	CheckInterval           int     `ini:"check_interval"`             // 调度 tick 间隔 (秒)
	ConnectionLimit         int     `ini:"connection_limit"`           // 测试 worker 数量
	ValidationRounds        int     `ini:"validation_rounds"`          // 每个代理的验证轮数
	ValidationMode          string  `ini:"validation_mode"`            // any, majority, all
	Timeout                 float64 `ini:"timeout"`                    // 单次探测超时 (秒)
	CheckAnonymity          bool    `ini:"check_anonymity"`            // 是否执行 header 泄露检查
	ForceFetch              bool    `ini:"force_fetch"`                // 启动时立即抓取
	SingleRun               bool    `ini:"single_run"`                 // 单次运行后退出
	ProxyRefreshMinInterval int     `ini:"proxy_refresh_min_interval"` // 可用代理的最小复测间隔 (秒)
	MaxProxiesToKeep        int     `ini:"max_proxies_to_keep"`        // 注册表容量上限
	TestURL                 string  `ini:"test_url"`                   // 默认验证端点
	EndpointsFile           string  `ini:"endpoints_file"`             // 区域端点映射 (yaml)
}

// SourcesConf 包含代理源抓取相关的配置
type SourcesConf struct {
	Sources            []string `ini:"sources" delim:","`
	ProxyFetchInterval int      `ini:"proxy_fetch_interval"` // 抓取间隔 (秒)
	MaxFetchWorkers    int      `ini:"max_fetch_workers"`
	MaxFetchAttempts   int      `ini:"max_fetch_attempts"`
	FetchRetryDelay    int      `ini:"fetch_retry_delay"` // 首次重试延迟 (秒)，之后指数退避
	FetchRatePerSecond float64  `ini:"fetch_rate_per_second"`
	CrawlPages         int      `ini:"crawl_pages"` // 分页源 ({page}) 抓取的页数
}

// ExportConf 包含导出相关的配置
type ExportConf struct {
	OutputDir      string `ini:"output_dir"` // 为空时禁用导出
	ExportInterval int    `ini:"export_interval"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// WebConf 包含状态 API 的配置
type WebConf struct {
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// Config 是扫描器的统一配置结构体
type Config struct {
	ScanConf    `ini:"scan"`
	SourcesConf `ini:"sources"`
	ExportConf  `ini:"export"`
	LogConf     `ini:"log"`
	WebConf     `ini:"web"`
}

// Default 返回一份可直接运行的默认配置。
func Default() *Config {
	return &Config{
		ScanConf: ScanConf{
			CheckInterval:           30,
			ConnectionLimit:         100,
			ValidationRounds:        2,
			ValidationMode:          "any",
			Timeout:                 5,
			CheckAnonymity:          false,
			ForceFetch:              true,
			SingleRun:               true,
			ProxyRefreshMinInterval: 300,
			MaxProxiesToKeep:        10000,
			TestURL:                 "http://proxy-test.fastping.it.com/",
		},
		SourcesConf: SourcesConf{
			Sources: []string{
				"https://api.proxyscrape.com/v2/?request=getproxies&protocol=http&timeout=10000&country=all",
				"https://www.proxy-list.download/api/v1/get?type=http",
				"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
				"https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/http.txt",
			},
			ProxyFetchInterval: 60,
			MaxFetchWorkers:    5,
			MaxFetchAttempts:   3,
			FetchRetryDelay:    5,
			FetchRatePerSecond: 2,
			CrawlPages:         2,
		},
		ExportConf: ExportConf{
			OutputDir:      "exported_proxies",
			ExportInterval: 300,
		},
		LogConf: LogConf{Level: "info"},
	}
}
