package inter

import (
	"errors"
	"time"
)

// =============================================================================
// 设备协议 (GT06 家族及后续扩展) 的公共类型定义
// =============================================================================

// 帧解析相关的标准错误
var (
	// ErrFrameIncomplete 缓冲区中的数据不足一帧，需要继续读取
	ErrFrameIncomplete = errors.New("protocol: 帧数据不完整")
	// ErrFrameTooShort 帧长度不足以包含所需字段
	ErrFrameTooShort = errors.New("protocol: 帧长度不足")
	// ErrBadMarker 起始位或停止位不匹配
	ErrBadMarker = errors.New("protocol: 起始位/停止位无效")
	// ErrBadLength 长度字段与实际数据不符
	ErrBadLength = errors.New("protocol: 长度字段无效")
	// ErrChecksum 校验和不匹配
	ErrChecksum = errors.New("protocol: 校验和错误")
	// ErrNotPing 帧类型不携带定位数据
	ErrNotPing = errors.New("protocol: 非定位数据帧")
)

// FrameKind 帧的语义类型，由协议号映射得到
type FrameKind uint8

const (
	FrameNoop           FrameKind = iota // 未映射的协议号
	FrameLogin                           // 登录
	FramePing                            // 定位数据
	FrameHeartbeat                       // 心跳 (状态信息)
	FrameAlarm                           // 报警
	FrameLocationUpdate                  // 位置更新
)

var frameKindNames = [...]string{
	FrameNoop:           "noop",
	FrameLogin:          "login",
	FramePing:           "ping",
	FrameHeartbeat:      "heartbeat",
	FrameAlarm:          "alarm",
	FrameLocationUpdate: "location-update",
}

func (k FrameKind) String() string {
	if int(k) < len(frameKindNames) {
		return frameKindNames[k]
	}
	return frameKindNames[FrameNoop]
}

// MarshalText 让 FrameKind 以名称形式出现在 JSON 中
func (k FrameKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// CarriesLocation 判断该类型的帧是否包含定位数据
func (k FrameKind) CarriesLocation() bool {
	return k == FramePing || k == FrameAlarm || k == FrameLocationUpdate
}

// DeviceStatus 由速度与点火状态推导出的设备运行状态
type DeviceStatus string

const (
	StatusNoData  DeviceStatus = "nodata" // 尚未收到任何有效定位
	StatusRunning DeviceStatus = "running"
	StatusStopped DeviceStatus = "stopped"
	StatusIdle    DeviceStatus = "idle"
)

// Valid 判断状态是否属于可接受的枚举值
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusNoData, StatusRunning, StatusStopped, StatusIdle:
		return true
	}
	return false
}

// Check 过滤器产出的具名检查项
type Check string

const (
	CheckValid     Check = "isValid"
	CheckZero      Check = "isZero"
	CheckRepeating Check = "isRepeating"
	CheckDuplicate Check = "isDuplicate"
	CheckOutdated  Check = "isOutdated"
	CheckTooClose  Check = "isLessThanMinDistance"
	CheckTooFar    Check = "isGreaterThanMaxDistance"
)

// FilterResult 过滤链对单个样本的检查结果
type FilterResult struct {
	Checks     map[Check]bool `json:"checks"`
	Distance   float64        `json:"distance"` // 与上一个已接受样本的距离 (米)
	Compatible bool           `json:"isCompatible"`
}

// Failed 返回结果中判定为不通过的检查项名称，用于日志与指标
func (r FilterResult) Failed() []Check {
	var failed []Check
	for _, c := range []Check{CheckZero, CheckRepeating, CheckDuplicate, CheckOutdated, CheckTooClose, CheckTooFar} {
		if r.Checks[c] {
			failed = append(failed, c)
		}
	}
	if v, ok := r.Checks[CheckValid]; ok && !v {
		failed = append([]Check{CheckValid}, failed...)
	}
	return failed
}

// Ping 一条解码后的定位样本
// 解码器填充设备字段，会话与过滤链补充其余字段；广播后不再修改
type Ping struct {
	ID          string       `json:"id"`
	DeviceID    string       `json:"deviceId"`
	ProtocolID  uint8        `json:"protocolId"`
	Kind        FrameKind    `json:"type"`
	Timestamp   time.Time    `json:"date"` // 设备时钟 (UTC)
	Latitude    float64      `json:"latitude"`
	Longitude   float64      `json:"longitude"`
	Speed       int          `json:"speed"`       // km/h
	Orientation int          `json:"orientation"` // 航向 (度)
	Ignition    bool         `json:"accStatus"`
	GPSFixed    bool         `json:"gpsFixed"`
	Status      DeviceStatus `json:"deviceStatus"`
	Serial      uint16       `json:"serial"`

	RemoteAddr      string       `json:"ip,omitempty"`
	ReceivedAt      time.Time    `json:"receivedAt"` // 服务端接收时间 (墙上时钟)
	Filter          FilterResult `json:"filter"`
	Accuracy        int          `json:"accuracy"`
	StatusChangedAt time.Time    `json:"statusChangedAt"`
}

// Heartbeat 心跳帧携带的终端状态
type Heartbeat struct {
	TerminalInfo byte  `json:"terminalInfo"`
	Ignition     bool  `json:"accStatus"`
	Voltage      uint8 `json:"voltage"` // 0-6
	GSM          uint8 `json:"gsm"`     // 0-4
}

// Decoder 一个设备协议家族的解码能力
// 实现必须是无状态的，同一实例可被多个连接并发使用
type Decoder interface {
	// Name 协议家族名称，如 "gt06"
	Name() string

	// Frame 检查 buf 开头是否为一帧完整数据
	// 返回完整帧的字节数；数据不足时返回 ErrFrameIncomplete
	Frame(buf []byte) (n int, err error)

	// ExtractIdentity 从帧中提取设备标识，无法提取时返回 false
	ExtractIdentity(frame []byte) (string, bool)

	// MatchesSignature 判断该字节流是否属于本协议家族
	MatchesSignature(frame []byte) bool

	// LookupFrameKind 根据协议号查表得到帧类型，未映射时返回 FrameNoop
	LookupFrameKind(frame []byte) FrameKind

	// DecodePing 解码定位数据帧
	DecodePing(frame []byte) (Ping, error)

	// DecodeHeartbeat 解码心跳帧
	DecodeHeartbeat(frame []byte) (Heartbeat, error)

	// BuildLoginReply 登录应答帧
	BuildLoginReply() []byte

	// BuildHeartbeatReply 心跳应答帧
	BuildHeartbeatReply() []byte
}
