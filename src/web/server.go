package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nhirsama/Goster-GPS/src/broadcast"
	"github.com/nhirsama/Goster-GPS/src/inter"
	"github.com/nhirsama/Goster-GPS/src/logger"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

type webServer struct {
	addr     string
	registry inter.DeviceRegistry
	api      inter.Api
	hub      *broadcast.Hub
	gateway  *broadcast.WebSocketGateway
	started  time.Time
	log      zerolog.Logger
}

// NewWebServer 创建 HTTP 服务实例
// api 可以为 nil (只提供查询接口时)
func NewWebServer(addr string, registry inter.DeviceRegistry, api inter.Api, hub *broadcast.Hub) inter.WebServer {
	return newWebServer(addr, registry, api, hub)
}

func newWebServer(addr string, registry inter.DeviceRegistry, api inter.Api, hub *broadcast.Hub) *webServer {
	return &webServer{
		addr:     addr,
		registry: registry,
		api:      api,
		hub:      hub,
		gateway:  broadcast.NewWebSocketGateway(hub),
		started:  time.Now(),
		log:      logger.WithComponent("web"),
	}
}

// Handler 返回注册了全部路由的 handler
func (ws *webServer) Handler() http.Handler {
	mux := http.NewServeMux()
	ws.registerRoutes(mux)
	return ws.logRequests(mux)
}

// Start 启动 HTTP 服务 (阻塞调用)，ctx 取消后优雅关闭
func (ws *webServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.addr)
	if err != nil {
		return fmt.Errorf("HTTP 端口 %s 监听失败: %w", ws.addr, err)
	}

	srv := &http.Server{
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// websocket 连接随 ctx 一起结束
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		ws.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP 服务已启动")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		ws.log.Warn().Err(err).Msg("HTTP 服务关闭超时")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	ws.log.Info().Msg("HTTP 服务已停止")
	return nil
}
