package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
	"rapidproxyscan/internal/shared/types"
)

var validModes = map[string]bool{"any": true, "majority": true, "all": true}

// LoadIni 在默认值之上加载 ini 配置文件，然后应用环境变量覆盖。
// 文件不存在时只使用默认值与环境变量。
func LoadIni(cfg *types.Config, fileName string) error {
	if fileName != "" {
		if _, err := os.Stat(fileName); err == nil {
			iniFile, err := ini.Load(fileName)
			if err != nil {
				return fmt.Errorf("failed to load ini file: %w", err)
			}
			if err := iniFile.MapTo(cfg); err != nil {
				return fmt.Errorf("failed to map ini file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	overrideFromEnvInt(&cfg.ScanConf.CheckInterval, "RPS_CHECK_INTERVAL")
	overrideFromEnvInt(&cfg.ScanConf.ConnectionLimit, "RPS_CONNECTION_LIMIT")
	overrideFromEnvInt(&cfg.ScanConf.ValidationRounds, "RPS_VALIDATION_ROUNDS")
	overrideFromEnvString(&cfg.ScanConf.ValidationMode, "RPS_VALIDATION_MODE")
	overrideFromEnvFloat(&cfg.ScanConf.Timeout, "RPS_TIMEOUT")
	overrideFromEnvBool(&cfg.ScanConf.CheckAnonymity, "RPS_CHECK_ANONYMITY")
	overrideFromEnvBool(&cfg.ScanConf.ForceFetch, "RPS_FORCE_FETCH")
	overrideFromEnvBool(&cfg.ScanConf.SingleRun, "RPS_SINGLE_RUN")
	overrideFromEnvInt(&cfg.ScanConf.ProxyRefreshMinInterval, "RPS_PROXY_REFRESH_MIN_INTERVAL")
	overrideFromEnvInt(&cfg.ScanConf.MaxProxiesToKeep, "RPS_MAX_PROXIES_TO_KEEP")
	overrideFromEnvString(&cfg.ScanConf.TestURL, "RPS_TEST_URL")
	overrideFromEnvString(&cfg.ScanConf.EndpointsFile, "RPS_ENDPOINTS_FILE")
	overrideFromEnvInt(&cfg.SourcesConf.ProxyFetchInterval, "RPS_PROXY_FETCH_INTERVAL")
	overrideFromEnvInt(&cfg.SourcesConf.MaxFetchWorkers, "RPS_MAX_FETCH_WORKERS")
	overrideFromEnvInt(&cfg.SourcesConf.MaxFetchAttempts, "RPS_MAX_FETCH_ATTEMPTS")
	overrideFromEnvInt(&cfg.SourcesConf.FetchRetryDelay, "RPS_FETCH_RETRY_DELAY")
	overrideFromEnvFloat(&cfg.SourcesConf.FetchRatePerSecond, "RPS_FETCH_RATE_PER_SECOND")
	overrideFromEnvInt(&cfg.SourcesConf.CrawlPages, "RPS_CRAWL_PAGES")
	overrideFromEnvInt(&cfg.ExportConf.ExportInterval, "RPS_EXPORT_INTERVAL")
	overrideFromEnvString(&cfg.ExportConf.OutputDir, "RPS_OUTPUT_DIR")
	overrideFromEnvString(&cfg.LogConf.Level, "RPS_LOG_LEVEL")
	overrideFromEnvInt(&cfg.WebConf.WebPort, "RPS_WEB_PORT")
	overrideFromEnvString(&cfg.WebConf.WebUser, "RPS_WEB_USER")
	overrideFromEnvString(&cfg.WebConf.WebPassword, "RPS_WEB_PASSWORD")
	if v := os.Getenv("RPS_SOURCES"); v != "" {
		cfg.SourcesConf.Sources = SplitList(v)
	}
	return nil
}

// Validate 检查配置是否可以用于启动扫描器。
func Validate(cfg *types.Config) error {
	cfg.ScanConf.ValidationMode = strings.ToLower(strings.TrimSpace(cfg.ScanConf.ValidationMode))
	if !validModes[cfg.ScanConf.ValidationMode] {
		return fmt.Errorf("invalid validation_mode %q (want any, majority or all)", cfg.ScanConf.ValidationMode)
	}
	if cfg.ScanConf.ConnectionLimit <= 0 {
		return fmt.Errorf("connection_limit must be positive, got %d", cfg.ScanConf.ConnectionLimit)
	}
	if cfg.ScanConf.ValidationRounds <= 0 {
		return fmt.Errorf("validation_rounds must be positive, got %d", cfg.ScanConf.ValidationRounds)
	}
	if cfg.ScanConf.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", cfg.ScanConf.Timeout)
	}
	if cfg.ScanConf.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive, got %d", cfg.ScanConf.CheckInterval)
	}
	if cfg.ScanConf.MaxProxiesToKeep <= 0 {
		return fmt.Errorf("max_proxies_to_keep must be positive, got %d", cfg.ScanConf.MaxProxiesToKeep)
	}
	if cfg.ScanConf.TestURL == "" {
		return fmt.Errorf("test_url must not be empty")
	}
	if cfg.SourcesConf.MaxFetchWorkers <= 0 {
		cfg.SourcesConf.MaxFetchWorkers = 1
	}
	if cfg.SourcesConf.MaxFetchAttempts <= 0 {
		cfg.SourcesConf.MaxFetchAttempts = 1
	}
	if cfg.SourcesConf.CrawlPages <= 0 {
		cfg.SourcesConf.CrawlPages = 1
	}
	if cfg.SourcesConf.ProxyFetchInterval <= 0 {
		cfg.SourcesConf.ProxyFetchInterval = cfg.ScanConf.CheckInterval * 2
	}
	if cfg.ExportConf.ExportInterval <= 0 {
		cfg.ExportConf.ExportInterval = 300
	}
	return nil
}

// SplitList 把逗号或空白分隔的列表拆成切片，忽略空项。
func SplitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvFloat(target *float64, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		if v, err := strconv.ParseFloat(envValue, 64); err == nil {
			*target = v
		}
	}
}

func overrideFromEnvBool(target *bool, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		if v, err := strconv.ParseBool(envValue); err == nil {
			*target = v
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
