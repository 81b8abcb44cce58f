package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rapidproxyscan/internal/shared/types"
)

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	v := registerFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"-connection-limit", "7",
		"-validation-mode", "majority",
		"-single-run=false",
		"-sources", "a.txt, https://b.example/list",
		"-timeout", "2.5",
	}))

	cfg := types.Default()
	cfg.CheckInterval = 99 // 模拟来自 ini 的值
	v.apply(fs, cfg)

	assert.Equal(t, 7, cfg.ConnectionLimit)
	assert.Equal(t, "majority", cfg.ValidationMode)
	assert.False(t, cfg.SingleRun)
	assert.Equal(t, 2.5, cfg.Timeout)
	assert.Equal(t, []string{"a.txt", "https://b.example/list"}, cfg.Sources)
	assert.Equal(t, 99, cfg.CheckInterval, "unset flags keep the file value")
}

func TestFlagsCoverSourceAndWebKeys(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	v := registerFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"-crawl-pages", "4",
		"-fetch-rate", "1.5",
		"-endpoints-file", "regions.yaml",
		"-web-port", "9090",
	}))

	cfg := types.Default()
	v.apply(fs, cfg)

	assert.Equal(t, 4, cfg.CrawlPages)
	assert.Equal(t, 1.5, cfg.FetchRatePerSecond)
	assert.Equal(t, "regions.yaml", cfg.EndpointsFile)
	assert.Equal(t, 9090, cfg.WebPort)
}
