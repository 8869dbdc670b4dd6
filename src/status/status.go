package status

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nhirsama/Goster-GPS/src/inter"
)

// StoppedSpeed 低于等于该速度 (km/h) 且熄火时视为停车
const StoppedSpeed = 5

// Derive 根据速度与点火状态推导设备状态
func Derive(speed int, ignition bool) inter.DeviceStatus {
	switch {
	case speed <= StoppedSpeed && !ignition:
		return inter.StatusStopped
	case speed > StoppedSpeed:
		return inter.StatusRunning
	default:
		return inter.StatusIdle
	}
}

// NextEvent 比较上一个已接受样本与当前样本，最多产生一个事件
// 点火变化优先于状态变化；prev 为 nil (首个样本) 时不产生事件
func NextEvent(prev *inter.Ping, cur inter.Ping) (inter.EventType, bool) {
	if prev == nil {
		return "", false
	}
	switch {
	case !prev.Ignition && cur.Ignition:
		return inter.EventIgnitionOn, true
	case prev.Ignition && !cur.Ignition:
		return inter.EventIgnitionOff, true
	}
	if prev.Status == cur.Status {
		return "", false
	}
	switch cur.Status {
	case inter.StatusRunning:
		return inter.EventDeviceRunning, true
	case inter.StatusStopped:
		return inter.EventDeviceStopped, true
	case inter.StatusIdle:
		return inter.EventDeviceIdle, true
	}
	return "", false
}

// State 设备当前记录的状态及其开始时间
type State struct {
	Status    inter.DeviceStatus
	ChangedAt time.Time
}

// Initial 尚无数据时的状态，开始时间为零值
func Initial() State {
	return State{Status: inter.StatusNoData}
}

// Advance 仅在状态确实变化时更新开始时间
func (s State) Advance(next inter.DeviceStatus, at time.Time) State {
	if !next.Valid() || next == s.Status {
		return s
	}
	return State{Status: next, ChangedAt: at}
}

// NewEvent 创建一个事件，ping 为 nil 时表示连接类事件
func NewEvent(t inter.EventType, deviceID string, ping *inter.Ping, at time.Time) inter.Event {
	ev := inter.Event{
		ID:        uuid.NewString(),
		Type:      t,
		DeviceID:  deviceID,
		Timestamp: at,
	}
	if ping != nil {
		ev.PingID = ping.ID
	}
	return ev
}

// Handler 事件回调
type Handler func(inter.Event)

// Dispatcher 按事件类型分发的回调表
// 注册在启动阶段完成，Dispatch 可并发调用
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[inter.EventType][]Handler
	all      []Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[inter.EventType][]Handler)}
}

// On 注册某一类型事件的回调
func (d *Dispatcher) On(t inter.EventType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], h)
}

// OnAll 注册接收全部事件的回调
func (d *Dispatcher) OnAll(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.all = append(d.all, h)
}

// Dispatch 依次调用该类型的回调，再调用通用回调
func (d *Dispatcher) Dispatch(ev inter.Event) {
	d.mu.RLock()
	handlers := d.handlers[ev.Type]
	all := d.all
	d.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}
