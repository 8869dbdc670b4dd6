package inter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrUnknownDevice 帧中的设备标识不在设备目录中
var ErrUnknownDevice = errors.New("registry: 未登记的设备")

// DeviceDescriptor 设备目录返回的设备描述
// 目录服务可能使用 identity 或 imei 字段，两者等价
type DeviceDescriptor struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

func (d *DeviceDescriptor) UnmarshalJSON(data []byte) error {
	var raw struct {
		Identity string          `json:"identity"`
		IMEI     json.RawMessage `json:"imei"`
		Name     string          `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Identity = raw.Identity
	d.Name = raw.Name
	if d.Identity == "" && len(raw.IMEI) > 0 {
		// imei 可能是字符串也可能是数字
		d.Identity = strings.Trim(string(raw.IMEI), `"`)
	}
	return nil
}

// TrackingRecord 待持久化的一条轨迹记录
type TrackingRecord struct {
	Ping       Ping
	ServerTime time.Time
}

// DeviceDirectory 外部设备目录 (只读)
type DeviceDirectory interface {
	// FetchDevices 拉取已登记设备列表
	FetchDevices(ctx context.Context) ([]DeviceDescriptor, error)
}

// TrackStore 持久化协作者，负责保存轨迹行与事件行
// 该接口兼容多种存储后端 (SQLite, PostgreSQL)
type TrackStore interface {
	// SaveTracking 保存一条已接受的定位样本，返回轨迹行 ID
	SaveTracking(ctx context.Context, rec TrackingRecord) (trackingID int64, err error)

	// SaveEvent 保存一条事件，trackingID 为 0 表示不关联轨迹行
	SaveEvent(ctx context.Context, ev Event, trackingID int64) error

	// Close 释放底层连接
	Close() error
}

// Recorder 异步落库入口，调用方不等待结果
// 同一设备的记录按调用顺序写入
type Recorder interface {
	// RecordPing 记录一条已接受样本及其派生事件 (可为 nil)
	RecordPing(p Ping, ev *Event)

	// RecordEvent 记录一条与样本无关的事件 (连接/断开)
	RecordEvent(ev Event)
}
