package inter

import "time"

// EventType 离散事件类型 (封闭枚举)
type EventType string

const (
	EventIgnitionOn    EventType = "ignition-on"
	EventIgnitionOff   EventType = "ignition-off"
	EventDeviceRunning EventType = "device-running"
	EventDeviceStopped EventType = "device-stopped"
	EventDeviceIdle    EventType = "device-idle"
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
)

// EventTypes 全部事件类型，顺序即数据库初始化顺序
var EventTypes = []EventType{
	EventIgnitionOn,
	EventIgnitionOff,
	EventDeviceRunning,
	EventDeviceStopped,
	EventDeviceIdle,
	EventConnected,
	EventDisconnected,
}

// Priority 事件优先级 (high / medium / low)
func (t EventType) Priority() string {
	switch t {
	case EventIgnitionOn, EventIgnitionOff:
		return "high"
	case EventDeviceIdle:
		return "low"
	default:
		return "medium"
	}
}

// Event 由状态机在检测到状态转换时产生，创建后不可修改
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"event"`
	DeviceID  string    `json:"deviceId"`
	PingID    string    `json:"pingId,omitempty"` // 连接类事件为空
	Timestamp time.Time `json:"date"`
}

// MessageKind 广播消息类型
type MessageKind string

const (
	MessagePing       MessageKind = "ping"
	MessageEvent      MessageKind = "event"
	MessageConnect    MessageKind = "connect"
	MessageDisconnect MessageKind = "disconnect"
	MessageHeartbeat  MessageKind = "heartbeat"
)

// Message 发往实时订阅者的消息，Topic 为设备标识
type Message struct {
	Kind      MessageKind `json:"type"`
	DeviceID  string      `json:"deviceId"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// Publisher 广播网关的发布接口
// Publish 必须立即返回，慢订阅者只会丢消息，不会阻塞调用方
type Publisher interface {
	Publish(msg Message)
}
