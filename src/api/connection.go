package api

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// writeTimeout 单次写入 (应答/心跳) 的超时
const writeTimeout = 10 * time.Second

// connection 一条设备 TCP 连接
// 实现 inter.DeviceConn，写入可被读循环与心跳 goroutine 并发调用
type connection struct {
	conn   net.Conn
	remote netip.AddrPort

	wmu          sync.Mutex
	lastActivity atomic.Int64 // UnixNano
	closeOnce    sync.Once

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

func newConnection(conn net.Conn, now time.Time) *connection {
	c := &connection{
		conn:          conn,
		remote:        remoteAddrPort(conn.RemoteAddr()),
		stopHeartbeat: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	c.touch(now)
	return c
}

func (c *connection) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.Write(p)
}

func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

func (c *connection) touch(t time.Time) {
	c.lastActivity.Store(t.UnixNano())
}

func (c *connection) idleSince() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// remoteAddrPort 把远端地址转换为可作为 map 键的值
func remoteAddrPort(addr net.Addr) netip.AddrPort {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}
