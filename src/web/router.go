package web

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/nhirsama/Goster-GPS/src/metrics"
)

// registerRoutes 注册所有的 HTTP 路由
func (ws *webServer) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", ws.healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/devices", ws.deviceListHandler)
	mux.HandleFunc("GET /api/devices/{id}", ws.deviceHandler)
	mux.HandleFunc("POST /api/devices/resync", ws.resyncHandler)

	// {id} 为 * 时订阅全部设备
	mux.HandleFunc("GET /ws/{id}", ws.subscribeHandler)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack websocket 升级需要接管底层连接
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("web: ResponseWriter 不支持 Hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// logRequests 请求日志中间件
func (ws *webServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		ws.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP 请求")
	})
}
