package tester

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"rapidproxyscan/internal/shared/logger"
	"rapidproxyscan/proxypool/endpoint"
	"rapidproxyscan/proxypool/model"
)

const (
	DefaultTimeout   = 10 * time.Second
	maxResponseBytes = 64 << 10
	maxRawBytes      = 512
	userAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

	fastThresholdMs   = 200
	mediumThresholdMs = 800
)

// VerificationResponse is the JSON document returned by a verification endpoint.
type VerificationResponse struct {
	Status              string `json:"status"`
	AnonymityLevel      string `json:"anonymity_level"`
	ConnectingIP        string `json:"connecting_ip"`
	ClientIPFromHeaders string `json:"client_ip_from_headers"`
	CountryCode         string `json:"country_code,omitempty"`
}

// Tester performs a single connectivity and anonymity probe through a proxy.
// It holds no per-proxy state and never touches the registry.
type Tester struct {
	timeout        time.Duration
	checkAnonymity bool
	dns            *endpoint.DNSCache

	uplink   atomic.Uint64
	downlink atomic.Uint64
}

// NewTester creates a Tester. dns may be nil, in which case SOCKS5 targets
// are resolved by the system resolver.
func NewTester(timeout time.Duration, checkAnonymity bool, dns *endpoint.DNSCache) *Tester {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tester{
		timeout:        timeout,
		checkAnonymity: checkAnonymity,
		dns:            dns,
	}
}

// Timeout returns the per-probe timeout.
func (t *Tester) Timeout() time.Duration { return t.timeout }

// Test probes endpointURL through the proxy identified by key. It always
// returns a verdict; failures are reported in the verdict, never as a panic.
func (t *Tester) Test(ctx context.Context, key model.Key, endpointURL string) model.TestVerdict {
	l := logger.WithComponent("ProxyPool/Tester")

	verdict := model.TestVerdict{
		Proxy:         key,
		Endpoint:      endpointURL,
		LatencyMs:     -1,
		Anonymity:     model.AnonymityUnknown,
		SecurityLevel: model.SecurityUnknown,
		SpeedRating:   model.SpeedUnknown,
		Description:   "Proxy test failed or unknown status.",
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	transport, err := t.buildTransport(key)
	if err != nil {
		return t.transportFailure(verdict, err, false)
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   t.timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		verdict.Err = fmt.Errorf("%w: bad endpoint %q: %v", model.ErrProbeProtocol, endpointURL, err)
		verdict.SpeedRating = model.SpeedFailed
		verdict.Description = "Invalid verification endpoint."
		return verdict
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return t.transportFailure(verdict, err, isTimeout(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return t.transportFailure(verdict, err, isTimeout(err))
	}
	verdict.LatencyMs = latency
	verdict.Raw = truncate(string(body), maxRawBytes)

	if resp.StatusCode != http.StatusOK {
		verdict.Err = fmt.Errorf("%w: status code %d", model.ErrProbeProtocol, resp.StatusCode)
		verdict.SpeedRating = model.SpeedFailed
		verdict.Description = fmt.Sprintf("Verification endpoint returned status %d.", resp.StatusCode)
		l.Debug().Str("proxy", key.String()).Int("status", resp.StatusCode).Msg("Probe got non-200 response.")
		return verdict
	}

	var vr VerificationResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		verdict.Err = fmt.Errorf("%w: invalid json: %v", model.ErrProbeProtocol, err)
		verdict.SpeedRating = model.SpeedFailed
		verdict.Description = "Invalid JSON response."
		l.Debug().Str("proxy", key.String()).Err(err).Msg("Probe got malformed response.")
		return verdict
	}

	return t.classify(verdict, vr)
}

// classify turns a decoded verification response into the final verdict.
func (t *Tester) classify(verdict model.TestVerdict, vr VerificationResponse) model.TestVerdict {
	if !strings.EqualFold(vr.Status, "success") {
		verdict.Err = fmt.Errorf("%w: endpoint status %q", model.ErrProbeProtocol, vr.Status)
		verdict.SpeedRating = model.SpeedFailed
		verdict.Description = fmt.Sprintf("Verification endpoint returned non-success status %q.", vr.Status)
		return verdict
	}

	verdict.Success = true
	verdict.Country = strings.ToLower(vr.CountryCode)
	verdict.SpeedRating = SpeedRating(verdict.LatencyMs)
	verdict.Anonymity, verdict.SecurityLevel = MapAnonymity(vr.AnonymityLevel)

	desc := "Proxy is active and responsive."
	switch verdict.SecurityLevel {
	case model.SecuritySecure:
		desc += " Highly anonymous."
	case model.SecurityMedium:
		desc += " Anonymous."
	case model.SecurityLow:
		desc += " Transparent."
	default:
		desc += " Anonymity unknown."
	}

	// The endpoint's own anonymity claim is not trusted: a real client IP
	// exposed in headers downgrades the proxy whatever the endpoint reported.
	if Leaked(vr) {
		verdict.Anonymity = model.AnonymityTransparent
		verdict.SecurityLevel = model.SecurityLeaked
		desc = "Proxy is active and responsive. Exposed via headers."
	}

	if t.checkAnonymity && (verdict.SecurityLevel == model.SecurityLow || verdict.SecurityLevel == model.SecurityLeaked) {
		verdict.Success = false
		verdict.Err = fmt.Errorf("%w: proxy exposes client identity (%s)", model.ErrProbeProtocol, verdict.SecurityLevel)
		desc += " Rejected by anonymity check."
	}

	verdict.Description = fmt.Sprintf("%s This is a %s proxy.", desc, verdict.SpeedRating)
	return verdict
}

func (t *Tester) transportFailure(verdict model.TestVerdict, err error, timeout bool) model.TestVerdict {
	verdict.Err = fmt.Errorf("%w: %v", model.ErrProbeTransport, err)
	if timeout {
		verdict.SpeedRating = model.SpeedSlow
		verdict.Description = "Proxy test timed out."
	} else {
		verdict.SpeedRating = model.SpeedFailed
		verdict.Description = fmt.Sprintf("Connection error: %v", err)
	}
	return verdict
}

// buildTransport creates a fresh, keep-alive-free transport routed through the proxy.
func (t *Tester) buildTransport(key model.Key) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   t.timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout:   t.timeout / 2,
		ResponseHeaderTimeout: t.timeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}

	switch strings.ToLower(key.Protocol) {
	case "http", "https", "":
		scheme := strings.ToLower(key.Protocol)
		if scheme == "" {
			scheme = "http"
		}
		transport.Proxy = http.ProxyURL(&url.URL{Scheme: scheme, Host: key.Addr()})
	case "socks5":
		socksDialer, err := proxy.SOCKS5("tcp", key.Addr(), nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if t.dns != nil {
				if host, port, err := net.SplitHostPort(addr); err == nil {
					if ip, err := t.dns.Resolve(ctx, host); err == nil {
						addr = net.JoinHostPort(ip, port)
					}
				}
			}
			return cd.DialContext(ctx, network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy protocol %q", key.Protocol)
	}
	transport.DialContext = t.counting(transport.DialContext)
	return transport, nil
}

// SpeedRating derives the speed tier purely from client-measured latency.
func SpeedRating(latencyMs float64) string {
	switch {
	case latencyMs < 0:
		return model.SpeedUnknown
	case latencyMs < fastThresholdMs:
		return model.SpeedFast
	case latencyMs < mediumThresholdMs:
		return model.SpeedMedium
	default:
		return model.SpeedSlow
	}
}

// MapAnonymity maps the endpoint-reported anonymity level to our tiers.
func MapAnonymity(level string) (model.Anonymity, model.SecurityLevel) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "elite":
		return model.AnonymityElite, model.SecuritySecure
	case "anonymous":
		return model.AnonymityAnonymous, model.SecurityMedium
	case "transparent":
		return model.AnonymityTransparent, model.SecurityLow
	default:
		return model.AnonymityUnknown, model.SecurityUnknown
	}
}

// Leaked reports whether the response exposes a client IP in headers that
// differs from the IP the endpoint saw connecting.
func Leaked(vr VerificationResponse) bool {
	hdr := strings.TrimSpace(vr.ClientIPFromHeaders)
	conn := strings.TrimSpace(vr.ConnectingIP)
	if hdr == "" || conn == "" {
		return false
	}
	// X-Forwarded-For style chains: the first entry is the originating client.
	if i := strings.IndexByte(hdr, ','); i >= 0 {
		hdr = strings.TrimSpace(hdr[:i])
	}
	return hdr != conn
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
