package tester

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rapidproxyscan/proxypool/model"
)

const verifyURL = "http://verify.test/check"

// fakeProxy answers every proxied request itself, standing in for both the
// relay and the verification endpoint behind it.
func fakeProxy(t *testing.T, handler http.HandlerFunc) (*httptest.Server, model.Key) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, keyFor(t, srv)
}

func keyFor(t *testing.T, srv *httptest.Server) model.Key {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return model.Key{Host: host, Port: port, Protocol: "http"}
}

func jsonHandler(vr VerificationResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(vr)
	}
}

func TestTest_EliteIsSecure(t *testing.T) {
	_, key := fakeProxy(t, jsonHandler(VerificationResponse{
		Status: "success", AnonymityLevel: "elite", ConnectingIP: "198.51.100.7", CountryCode: "DE",
	}))

	v := NewTester(2*time.Second, false, nil).Test(context.Background(), key, verifyURL)

	require.NoError(t, v.Err)
	assert.True(t, v.Success)
	assert.Equal(t, model.AnonymityElite, v.Anonymity)
	assert.Equal(t, model.SecuritySecure, v.SecurityLevel)
	assert.Equal(t, "de", v.Country)
	assert.GreaterOrEqual(t, v.LatencyMs, 0.0)
	assert.Equal(t, SpeedRating(v.LatencyMs), v.SpeedRating)
	assert.Equal(t, verifyURL, v.Endpoint)
}

func TestTest_ProxyReceivesAbsoluteRequest(t *testing.T) {
	var gotURI string
	_, key := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
		jsonHandler(VerificationResponse{Status: "success", AnonymityLevel: "anonymous"})(w, r)
	})

	v := NewTester(2*time.Second, false, nil).Test(context.Background(), key, verifyURL)
	require.True(t, v.Success)
	assert.Equal(t, verifyURL, gotURI)
	assert.Equal(t, model.SecurityMedium, v.SecurityLevel)
}

func TestTest_CountsProbeTraffic(t *testing.T) {
	_, key := fakeProxy(t, jsonHandler(VerificationResponse{Status: "success", AnonymityLevel: "elite"}))

	tr := NewTester(2*time.Second, false, nil)
	up, down := tr.Traffic()
	assert.Zero(t, up)
	assert.Zero(t, down)

	require.True(t, tr.Test(context.Background(), key, verifyURL).Success)
	up, down = tr.Traffic()
	assert.Positive(t, up)
	assert.Positive(t, down)

	require.True(t, tr.Test(context.Background(), key, verifyURL).Success)
	up2, down2 := tr.Traffic()
	assert.Greater(t, up2, up)
	assert.Greater(t, down2, down)
}

// socksRelay starts a real SOCKS5 server on loopback and returns its key.
func socksRelay(t *testing.T) model.Key {
	t.Helper()
	srv, err := socks5.New(&socks5.Config{Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = srv.Serve(ln) }()

	addr := ln.Addr().(*net.TCPAddr)
	return model.Key{Host: "127.0.0.1", Port: addr.Port, Protocol: "socks5"}
}

func TestTest_SOCKS5Relay(t *testing.T) {
	target := httptest.NewServer(jsonHandler(VerificationResponse{
		Status: "success", AnonymityLevel: "anonymous", ConnectingIP: "127.0.0.1",
	}))
	defer target.Close()

	tr := NewTester(2*time.Second, false, nil)
	v := tr.Test(context.Background(), socksRelay(t), target.URL+"/check")

	require.NoError(t, v.Err)
	assert.True(t, v.Success)
	assert.Equal(t, model.AnonymityAnonymous, v.Anonymity)
	_, down := tr.Traffic()
	assert.Positive(t, down)
}

func TestTest_LeakOverridesEliteClaim(t *testing.T) {
	_, key := fakeProxy(t, jsonHandler(VerificationResponse{
		Status:              "success",
		AnonymityLevel:      "elite",
		ConnectingIP:        "198.51.100.7",
		ClientIPFromHeaders: "203.0.113.99",
	}))

	v := NewTester(2*time.Second, false, nil).Test(context.Background(), key, verifyURL)

	assert.True(t, v.Success)
	assert.NotEqual(t, model.SecuritySecure, v.SecurityLevel)
	assert.Equal(t, model.SecurityLeaked, v.SecurityLevel)
	assert.Equal(t, model.AnonymityTransparent, v.Anonymity)
}

func TestTest_CheckAnonymityRejectsTransparent(t *testing.T) {
	_, key := fakeProxy(t, jsonHandler(VerificationResponse{Status: "success", AnonymityLevel: "transparent"}))

	lenient := NewTester(2*time.Second, false, nil).Test(context.Background(), key, verifyURL)
	assert.True(t, lenient.Success)
	assert.Equal(t, model.SecurityLow, lenient.SecurityLevel)

	strict := NewTester(2*time.Second, true, nil).Test(context.Background(), key, verifyURL)
	assert.False(t, strict.Success)
	assert.True(t, errors.Is(strict.Err, model.ErrProbeProtocol))
}

func TestTest_ProtocolFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"non-200": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadGateway)
		},
		"bad json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>not json</html>"))
		},
		"non-success status": jsonHandler(VerificationResponse{Status: "fail"}),
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			_, key := fakeProxy(t, h)
			v := NewTester(2*time.Second, false, nil).Test(context.Background(), key, verifyURL)
			assert.False(t, v.Success)
			assert.True(t, errors.Is(v.Err, model.ErrProbeProtocol), "got %v", v.Err)
			assert.Equal(t, model.SpeedFailed, v.SpeedRating)
		})
	}
}

func TestTest_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	key := keyFor(t, srv)
	srv.Close()

	v := NewTester(2*time.Second, false, nil).Test(context.Background(), key, verifyURL)
	assert.False(t, v.Success)
	assert.True(t, errors.Is(v.Err, model.ErrProbeTransport))
	assert.Equal(t, model.SpeedFailed, v.SpeedRating)
}

func TestTest_TimeoutIsSlow(t *testing.T) {
	_, key := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	})

	start := time.Now()
	v := NewTester(150*time.Millisecond, false, nil).Test(context.Background(), key, verifyURL)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, v.Success)
	assert.True(t, errors.Is(v.Err, model.ErrProbeTransport))
	assert.Equal(t, model.SpeedSlow, v.SpeedRating)
}

func TestTest_UnsupportedProtocol(t *testing.T) {
	v := NewTester(time.Second, false, nil).Test(context.Background(), model.Key{Host: "127.0.0.1", Port: 1, Protocol: "socks4"}, verifyURL)
	assert.False(t, v.Success)
	assert.True(t, errors.Is(v.Err, model.ErrProbeTransport))
}

func TestSpeedRating(t *testing.T) {
	assert.Equal(t, model.SpeedFast, SpeedRating(0))
	assert.Equal(t, model.SpeedFast, SpeedRating(199.9))
	assert.Equal(t, model.SpeedMedium, SpeedRating(200))
	assert.Equal(t, model.SpeedMedium, SpeedRating(799))
	assert.Equal(t, model.SpeedSlow, SpeedRating(800))
	assert.Equal(t, model.SpeedUnknown, SpeedRating(-1))
}

func TestLeaked(t *testing.T) {
	assert.False(t, Leaked(VerificationResponse{ConnectingIP: "1.1.1.1"}))
	assert.False(t, Leaked(VerificationResponse{ConnectingIP: "1.1.1.1", ClientIPFromHeaders: "1.1.1.1"}))
	assert.True(t, Leaked(VerificationResponse{ConnectingIP: "1.1.1.1", ClientIPFromHeaders: "2.2.2.2"}))
	assert.True(t, Leaked(VerificationResponse{ConnectingIP: "1.1.1.1", ClientIPFromHeaders: "2.2.2.2, 1.1.1.1"}))
}

func TestMapAnonymity(t *testing.T) {
	a, s := MapAnonymity("ELITE")
	assert.Equal(t, model.AnonymityElite, a)
	assert.Equal(t, model.SecuritySecure, s)
	a, s = MapAnonymity("weird")
	assert.Equal(t, model.AnonymityUnknown, a)
	assert.Equal(t, model.SecurityUnknown, s)
}
