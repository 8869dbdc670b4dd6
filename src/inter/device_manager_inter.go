package inter

import (
	"context"
	"io"
	"net/netip"
	"time"
)

// DeviceConn 会话持有的连接句柄
// 实现方需保证 Write 可被多个 goroutine 并发调用
type DeviceConn interface {
	io.Writer
	Close() error
}

// SessionSnapshot 会话状态的只读快照
type SessionSnapshot struct {
	Identity        string         `json:"identity"`
	Name            string         `json:"name,omitempty"`
	Decoder         string         `json:"decoder,omitempty"`
	Remote          netip.AddrPort `json:"remote"`
	Connected       bool           `json:"connected"`
	Status          DeviceStatus   `json:"status"`
	StatusChangedAt time.Time      `json:"statusChangedAt,omitzero"`
	HistoryLen      int            `json:"historyLength"`
	LastPing        *Ping          `json:"lastPing,omitempty"`
	GSM             int            `json:"gsm"` // -1 表示未知
	Voltage         int            `json:"voltage"`
	LastHeartbeat   time.Time      `json:"lastHeartbeat,omitzero"`
}

// DeviceSession 一个逻辑设备的运行时状态，与具体连接无关
type DeviceSession interface {
	// Identity 设备标识
	Identity() string

	// Decoder 当前绑定的协议解码器，未绑定时为 nil
	Decoder() Decoder

	// HandleFrame 处理一帧已识别为本设备的数据
	// 解码错误只影响当前帧，不修改会话状态
	HandleFrame(frame []byte) error

	// Snapshot 返回当前状态快照
	Snapshot() SessionSnapshot
}

// DeviceRegistry 维护物理连接到逻辑设备的映射
type DeviceRegistry interface {
	// Identify 解析一帧数据属于哪个设备
	// 先按远端地址查找，再逐个尝试解码器提取标识；失败时返回 false
	Identify(frame []byte, conn DeviceConn, remote netip.AddrPort) (DeviceSession, bool)

	// Lookup 按远端地址查找已绑定的会话
	Lookup(remote netip.AddrPort) (DeviceSession, bool)

	// Disconnect 处理连接结束信号
	Disconnect(remote netip.AddrPort)

	// Resync 从设备目录重新拉取设备列表，仅新增，返回新增数量
	Resync(ctx context.Context) (added int, err error)

	// Sessions 返回全部会话的快照
	Sessions() []SessionSnapshot
}
