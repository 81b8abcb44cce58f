package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rapidproxyscan/internal/shared/logger"
	"rapidproxyscan/internal/shared/types"
)

const shutdownTimeout = 5 * time.Second

// loggingListener 在 debug 级别记录每个接入的连接。
type loggingListener struct {
	net.Listener
	log zerolog.Logger
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.log.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("Connection accepted.")
	}
	return conn, err
}

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// NewMux 构建状态 API 的路由。
func NewMux(cfg types.WebConf, controller PoolController, hub *Hub) *http.ServeMux {
	handler := NewHandler(controller, hub)
	mux := http.NewServeMux()

	webUser := cfg.WebUser
	webPassword := cfg.WebPassword

	// --- 认证保护的 API ---
	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxies), webUser, webPassword))
	mux.Handle("/api/proxy", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxy), webUser, webPassword))

	// 公开的状态 API
	mux.HandleFunc("/api/stats", handler.HandleStats)

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	return mux
}

// StartServer 在 web_port 上启动状态 API，ctx 取消时优雅关闭。
// web_port 为 0 时不启动；监听失败时返回错误。
func StartServer(ctx context.Context, wg *sync.WaitGroup, cfg types.WebConf, controller PoolController, hub *Hub) error {
	l := logger.WithComponent("Web/Server")
	if cfg.WebPort <= 0 {
		l.Info().Msg("Status API is disabled (web_port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start status API on %s: %w", addr, err)
	}
	l.Info().Msgf("SUCCESS: Status API is listening on http://%s", addr)

	srv := &http.Server{
		Handler:           NewMux(cfg, controller, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener, log: l}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error")
		}
		l.Info().Msg("Web server stopped.")
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.Warn().Err(err).Msg("Web server shutdown error")
		}
		l.Info().Msg("Web server shutdown complete.")
	}()
	return nil
}
