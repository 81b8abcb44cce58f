package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"rapidproxyscan/internal/shared/logger"
	manager "rapidproxyscan/proxypool"
	"rapidproxyscan/proxypool/export"
	"rapidproxyscan/proxypool/model"
)

// PoolController defines the interface that the web handler uses to read the proxy pool.
// This decouples the web package from the Manager's lifecycle.
type PoolController interface {
	manager.ProxyProvider
	Snapshot() []*model.ProxyRecord
	Counts() manager.Counts
	LastExport() (export.Stats, bool)
}

type Handler struct {
	controller PoolController
	hub        *Hub
}

func NewHandler(controller PoolController, hub *Hub) *Handler {
	return &Handler{controller: controller, hub: hub}
}

// StatsResponse 是 GET /api/stats 的响应
type StatsResponse struct {
	PoolSize   int            `json:"pool_size"`
	Counts     manager.Counts `json:"counts"`
	LastExport *export.Stats  `json:"last_export,omitempty"`
	WSClients  int            `json:"ws_clients"`
}

// HandleProxies 处理 GET /api/proxies 请求。
// ?format=text 返回纯文本列表，?detail=1 返回完整记录，?limit=N 截断。
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := -1
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if q.Get("detail") == "1" {
		records := h.controller.Snapshot()
		if limit >= 0 && len(records) > limit {
			records = records[:limit]
		}
		writeJSON(w, http.StatusOK, records)
		return
	}

	proxies := h.controller.GetProxies()
	if limit >= 0 && len(proxies) > limit {
		proxies = proxies[:limit]
	}
	if strings.EqualFold(q.Get("format"), "text") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, p := range proxies {
			w.Write([]byte(p + "\n"))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(proxies),
		"proxies": proxies,
	})
}

// HandleProxy 处理 GET /api/proxy 请求，随机返回一个已验证代理。
func (h *Handler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.controller.GetProxy()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "proxy pool is empty"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"proxy": p})
}

// HandleStats 处理 GET /api/stats 请求
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatsResponse{
		PoolSize: h.controller.GetPoolSize(),
		Counts:   h.controller.Counts(),
	}
	if stats, ok := h.controller.LastExport(); ok {
		resp.LastExport = &stats
	}
	if h.hub != nil {
		resp.WSClients = h.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logger.WithComponent("Web/Handler")
		l.Warn().Err(err).Msg("Failed to write JSON response")
	}
}
