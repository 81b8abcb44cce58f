package endpoint

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RegionMap 把大致区域映射到一组验证端点。
type RegionMap struct {
	DefaultRegion string              `yaml:"default_region"`
	Regions       map[string][]string `yaml:"regions"`
	// Fallback 中的端点会追加到每个区域末尾。
	Fallback []string `yaml:"fallback"`
	// Countries 覆盖内置的国家 -> 区域表。
	Countries map[string]string `yaml:"countries"`
}

var knownRegions = []string{"na", "eu", "as", "sa", "oc", "af"}

// 尽力而为的国家 -> 区域映射，不是地理定位服务。
var countryToRegion = map[string]string{
	"us": "na", "ca": "na", "mx": "na",
	"gb": "eu", "de": "eu", "fr": "eu", "it": "eu", "es": "eu", "nl": "eu",
	"pl": "eu", "se": "eu", "ru": "eu", "ua": "eu",
	"cn": "as", "jp": "as", "kr": "as", "in": "as", "sg": "as", "hk": "as",
	"id": "as", "vn": "as", "th": "as", "tw": "as",
	"br": "sa", "ar": "sa", "co": "sa", "cl": "sa", "pe": "sa", "ve": "sa",
	"au": "oc", "nz": "oc",
	"za": "af", "ng": "af", "eg": "af", "ke": "af",
}

// DefaultRegionMap 返回每个区域都只包含 testURL 的映射。
func DefaultRegionMap(testURL string) *RegionMap {
	rm := &RegionMap{
		DefaultRegion: "na",
		Regions:       make(map[string][]string, len(knownRegions)),
	}
	for _, r := range knownRegions {
		rm.Regions[r] = []string{testURL}
	}
	return rm
}

// LoadRegionMap 从 yaml 文件加载区域映射。testURL 会作为兜底端点追加。
func LoadRegionMap(path, testURL string) (*RegionMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoints file: %w", err)
	}
	var rm RegionMap
	if err := yaml.Unmarshal(data, &rm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal endpoints yaml: %w", err)
	}
	if len(rm.Regions) == 0 {
		return nil, fmt.Errorf("endpoints file %s defines no regions", path)
	}
	if rm.DefaultRegion == "" {
		rm.DefaultRegion = "na"
	}
	if testURL != "" && !contains(rm.Fallback, testURL) {
		rm.Fallback = append(rm.Fallback, testURL)
	}
	return &rm, nil
}

// RegionFor 返回国家代码对应的区域，未知时返回默认区域。
func (rm *RegionMap) RegionFor(country string) string {
	c := strings.ToLower(strings.TrimSpace(country))
	if r, ok := rm.Countries[c]; ok {
		return r
	}
	if r, ok := countryToRegion[c]; ok {
		return r
	}
	return rm.DefaultRegion
}

// Endpoints 返回区域内的端点 (已追加 Fallback，去重)。
func (rm *RegionMap) Endpoints(region string) []string {
	base, ok := rm.Regions[region]
	if !ok {
		base = rm.Regions[rm.DefaultRegion]
	}
	out := make([]string, 0, len(base)+len(rm.Fallback))
	for _, e := range append(append([]string{}, base...), rm.Fallback...) {
		if !contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}

// All 返回所有区域中出现过的端点。
func (rm *RegionMap) All() []string {
	var out []string
	for _, eps := range rm.Regions {
		for _, e := range eps {
			if !contains(out, e) {
				out = append(out, e)
			}
		}
	}
	for _, e := range rm.Fallback {
		if !contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
