package device_manager

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nhirsama/Goster-GPS/src/inter"
	"github.com/nhirsama/Goster-GPS/src/logger"
	"github.com/nhirsama/Goster-GPS/src/metrics"
	"github.com/nhirsama/Goster-GPS/src/protocol"
	"github.com/nhirsama/Goster-GPS/src/status"
	"github.com/rs/zerolog"
)

// Options 注册表的协作者，未设置的使用空实现
type Options struct {
	Directory inter.DeviceDirectory
	Decoders  []inter.Decoder
	Publisher inter.Publisher
	Recorder  inter.Recorder
	Clock     func() time.Time
}

// Registry 实现 inter.DeviceRegistry
// 锁顺序：先 Registry.mu，再 Session.mu
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byAddr   map[netip.AddrPort]*Session

	directory inter.DeviceDirectory
	decoders  []inter.Decoder
	publisher inter.Publisher
	recorder  inter.Recorder
	events    *status.Dispatcher
	now       func() time.Time
	log       zerolog.Logger
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		sessions:  make(map[string]*Session),
		byAddr:    make(map[netip.AddrPort]*Session),
		directory: opts.Directory,
		decoders:  opts.Decoders,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		events:    status.NewDispatcher(),
		now:       opts.Clock,
		log:       logger.WithComponent("registry"),
	}
	if r.decoders == nil {
		r.decoders = protocol.Decoders()
	}
	if r.publisher == nil {
		r.publisher = nopPublisher{}
	}
	if r.recorder == nil {
		r.recorder = nopRecorder{}
	}
	if r.now == nil {
		r.now = time.Now
	}

	r.events.OnAll(func(ev inter.Event) {
		metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
		r.publish(inter.Message{Kind: inter.MessageEvent, DeviceID: ev.DeviceID, Timestamp: ev.Timestamp, Payload: ev})
	})
	// 定位类事件随样本一起落库，这里只处理连接类事件
	r.events.On(inter.EventConnected, r.recorder.RecordEvent)
	r.events.On(inter.EventDisconnected, r.recorder.RecordEvent)
	return r
}

// Events 事件分发表，可在启动阶段注册额外回调
func (r *Registry) Events() *status.Dispatcher {
	return r.events
}

func (r *Registry) publish(msg inter.Message) {
	r.publisher.Publish(msg)
}

// Add 登记一个设备，已存在时不做修改，返回是否新增
func (r *Registry) Add(d inter.DeviceDescriptor) bool {
	id := protocol.CanonicalIdentity(d.Identity)
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return false
	}
	r.sessions[id] = newSession(r, id, d.Name)
	return true
}

// Resync 从设备目录拉取设备列表，只新增
func (r *Registry) Resync(ctx context.Context) (int, error) {
	if r.directory == nil {
		return 0, errors.New("registry: 未配置设备目录")
	}
	list, err := r.directory.FetchDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("拉取设备列表失败: %w", err)
	}
	added := 0
	for _, d := range list {
		if r.Add(d) {
			added++
		}
	}
	r.log.Info().Int("added", added).Int("total", r.Len()).Msg("设备列表已同步")
	return added, nil
}

// Identify 先按远端地址查找，再按解码器顺序提取标识
func (r *Registry) Identify(frame []byte, conn inter.DeviceConn, remote netip.AddrPort) (inter.DeviceSession, bool) {
	r.mu.RLock()
	s, ok := r.byAddr[remote]
	r.mu.RUnlock()
	if ok {
		return s, true
	}

	for _, d := range r.decoders {
		id, ok := d.ExtractIdentity(frame)
		if !ok {
			continue
		}
		r.mu.RLock()
		s, known := r.sessions[id]
		r.mu.RUnlock()
		if !known || !d.MatchesSignature(frame) {
			continue
		}
		r.bind(s, d, conn, remote)
		r.log.Debug().Str("device", id).Str("decoder", d.Name()).Str("remote", remote.String()).Msg("连接已绑定设备")
		return s, true
	}

	metrics.UnidentifiedFrames.Inc()
	r.log.Debug().Str("remote", remote.String()).Hex("frame", frame).Msg("无法识别的帧")
	return nil, false
}

func (r *Registry) bind(s *Session, d inter.Decoder, conn inter.DeviceConn, remote netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := s.attach(conn, remote, d)
	if prev.IsValid() && prev != remote && r.byAddr[prev] == s {
		delete(r.byAddr, prev)
	}
	r.byAddr[remote] = s
}

func (r *Registry) Lookup(remote netip.AddrPort) (inter.DeviceSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byAddr[remote]
	if !ok {
		return nil, false
	}
	return s, true
}

// Disconnect 解除地址绑定并通知会话，会话本身保留
func (r *Registry) Disconnect(remote netip.AddrPort) {
	r.mu.Lock()
	s, ok := r.byAddr[remote]
	delete(r.byAddr, remote)
	r.mu.Unlock()
	if ok {
		s.handleDisconnect(remote)
	}
}

// Session 按设备标识查找会话
func (r *Registry) Session(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[protocol.CanonicalIdentity(identity)]
	return s, ok
}

func (r *Registry) Sessions() []inter.SessionSnapshot {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]inter.SessionSnapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b inter.SessionSnapshot) int {
		return strings.Compare(a.Identity, b.Identity)
	})
	return out
}

// Len 已登记设备数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

type nopPublisher struct{}

func (nopPublisher) Publish(inter.Message) {}

type nopRecorder struct{}

func (nopRecorder) RecordPing(inter.Ping, *inter.Event) {}
func (nopRecorder) RecordEvent(inter.Event)             {}
