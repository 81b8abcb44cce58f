package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Anonymity 是代理暴露客户端身份程度的分类。
type Anonymity string

const (
	AnonymityElite       Anonymity = "elite"
	AnonymityAnonymous   Anonymity = "anonymous"
	AnonymityTransparent Anonymity = "transparent"
	AnonymityUnknown     Anonymity = "unknown"
)

// SecurityLevel 是 Tester 根据验证端点响应得出的安全评级。
type SecurityLevel string

const (
	SecuritySecure  SecurityLevel = "secure"
	SecurityMedium  SecurityLevel = "medium"
	SecurityLow     SecurityLevel = "low"
	SecurityLeaked  SecurityLevel = "low (leaked)"
	SecurityUnknown SecurityLevel = "unknown"
)

// 客户端测得的速度评级
const (
	SpeedFast    = "fast"
	SpeedMedium  = "medium"
	SpeedSlow    = "slow"
	SpeedFailed  = "failed"
	SpeedUnknown = "unknown"
)

const (
	ReliabilityMin         = 0
	ReliabilityMax         = 100
	ReliabilitySuccessStep = 5
	ReliabilityFailureStep = 10
)

// Key 是代理在注册表中的唯一身份 (host, port, protocol)。
type Key struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s://%s", k.Protocol, k.Addr())
}

// Addr 返回 "host:port" 形式的地址。
func (k Key) Addr() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// ProxyRecord 是注册表中的代理记录。
// 只允许 Pool Manager 在其互斥锁内修改。
type ProxyRecord struct {
	Key

	Source       string    `json:"source"`
	Country      string    `json:"country,omitempty"` // 两位国家代码, 尽力而为
	DiscoveredAt time.Time `json:"discovered_at"`
	LastTestedAt time.Time `json:"last_tested_at"`

	IsUsable      bool          `json:"is_usable"`
	LatencyMs     float64       `json:"latency_ms"` // -1 表示未测试或失败
	Anonymity     Anonymity     `json:"anonymity"`
	SecurityLevel SecurityLevel `json:"security_level"`
	SpeedTier     string        `json:"speed_tier"`
	Reliability   int           `json:"reliability"`
	Persistence   int           `json:"persistence"`
	Persistent    bool          `json:"persistent"`
	FastTrack     bool          `json:"fast_track"`

	Description string `json:"description"`
	RawResponse string `json:"raw_response,omitempty"`

	// Rounds 是尚未参与决策的验证轮结果，收满一组后由 Validator 判定并清空。
	Rounds []bool `json:"-"`
}

// NewProxyRecord 创建一个首次发现的代理记录。
func NewProxyRecord(host string, port int, protocol, source string, now time.Time) *ProxyRecord {
	if protocol == "" {
		protocol = "http"
	}
	return &ProxyRecord{
		Key:           Key{Host: host, Port: port, Protocol: protocol},
		Source:        source,
		DiscoveredAt:  now,
		LatencyMs:     -1,
		Anonymity:     AnonymityUnknown,
		SecurityLevel: SecurityUnknown,
		SpeedTier:     SpeedUnknown,
		Description:   "Not tested yet.",
	}
}

// AdjustReliability 按固定步长调整可靠性分数并限制在 [0,100] 内。
// 这是修改 Reliability 的唯一入口。
func (p *ProxyRecord) AdjustReliability(success bool) {
	if success {
		p.Reliability += ReliabilitySuccessStep
	} else {
		p.Reliability -= ReliabilityFailureStep
	}
	if p.Reliability > ReliabilityMax {
		p.Reliability = ReliabilityMax
	}
	if p.Reliability < ReliabilityMin {
		p.Reliability = ReliabilityMin
	}
}

// Clone 返回记录的深拷贝，供锁外读取。
func (p *ProxyRecord) Clone() *ProxyRecord {
	c := *p
	if p.Rounds != nil {
		c.Rounds = append([]bool(nil), p.Rounds...)
	}
	return &c
}

// TestVerdict 是单次探测的结果。由 Tester 生成，Validator 消费一次后丢弃。
type TestVerdict struct {
	Proxy         Key
	Endpoint      string
	Success       bool
	LatencyMs     float64
	Anonymity     Anonymity
	SecurityLevel SecurityLevel
	SpeedRating   string
	Country       string
	Description   string
	Raw           string
	Err           error
}
