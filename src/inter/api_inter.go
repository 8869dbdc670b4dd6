package inter

import "context"

// Api 定义了设备接入服务 (TCP 长连接) 的接口
// 它负责监听端口，维护连接表，并把字节流交给设备注册表分发
type Api interface {
	// Start 启动监听 (阻塞调用)，ctx 取消后关闭所有连接并返回
	Start(ctx context.Context) error

	// ActiveConnections 当前活跃连接数
	ActiveConnections() int
}

// WebServer HTTP 服务
type WebServer interface {
	// Start 启动 HTTP 服务 (阻塞调用)
	Start(ctx context.Context) error
}
