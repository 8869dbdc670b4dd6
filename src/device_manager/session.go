package device_manager

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nhirsama/Goster-GPS/src/filter"
	"github.com/nhirsama/Goster-GPS/src/inter"
	"github.com/nhirsama/Goster-GPS/src/logger"
	"github.com/nhirsama/Goster-GPS/src/metrics"
	"github.com/nhirsama/Goster-GPS/src/status"
	"github.com/rs/zerolog"
)

// Session 一个逻辑设备的运行时状态
// 断线后会话保留，设备重连时复用
type Session struct {
	identity string
	name     string
	reg      *Registry
	log      zerolog.Logger

	mu            sync.Mutex
	conn          inter.DeviceConn
	remote        netip.AddrPort
	decoder       inter.Decoder
	history       *History
	state         status.State
	connected     bool
	gsm           int
	voltage       int
	lastHeartbeat time.Time
}

func newSession(reg *Registry, identity, name string) *Session {
	return &Session{
		identity: identity,
		name:     name,
		reg:      reg,
		log:      logger.WithDevice("session", identity),
		history:  NewHistory(HistoryCapacity),
		state:    status.Initial(),
		gsm:      filter.GSMUnknown,
		voltage:  -1,
	}
}

func (s *Session) Identity() string {
	return s.identity
}

func (s *Session) Decoder() inter.Decoder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decoder
}

// attach 绑定新的连接与解码器，返回之前绑定的地址
func (s *Session) attach(conn inter.DeviceConn, remote netip.AddrPort, d inter.Decoder) netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.remote
	s.conn = conn
	s.remote = remote
	s.decoder = d
	return prev
}

// HandleFrame 按帧类型分发
// 广播、落库与事件分发都在会话锁内完成，同一设备的输出顺序与接受顺序一致
func (s *Session) HandleFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.decoder == nil {
		return fmt.Errorf("会话 %s 尚未绑定解码器", s.identity)
	}
	kind := s.decoder.LookupFrameKind(frame)
	metrics.FramesTotal.WithLabelValues(kind.String()).Inc()

	switch {
	case kind == inter.FrameLogin:
		return s.handleLogin(frame)
	case kind == inter.FrameHeartbeat:
		return s.handleHeartbeat(frame)
	case kind.CarriesLocation():
		return s.handlePing(frame)
	default:
		s.log.Debug().Hex("frame", frame).Msg("忽略未映射的帧")
		return nil
	}
}

func (s *Session) write(b []byte) {
	if s.conn == nil {
		return
	}
	if _, err := s.conn.Write(b); err != nil {
		s.log.Warn().Err(err).Str("remote", s.remote.String()).Msg("写入应答失败")
	}
}

func (s *Session) handleLogin(frame []byte) error {
	if !s.decoder.MatchesSignature(frame) {
		metrics.DecodeErrors.Inc()
		return fmt.Errorf("登录帧校验失败: %w", inter.ErrChecksum)
	}
	s.write(s.decoder.BuildLoginReply())
	s.connected = true

	now := s.reg.now()
	s.log.Info().Str("remote", s.remote.String()).Msg("设备登录")
	s.reg.publish(inter.Message{Kind: inter.MessageConnect, DeviceID: s.identity, Timestamp: now})
	s.reg.events.Dispatch(status.NewEvent(inter.EventConnected, s.identity, nil, now))
	return nil
}

func (s *Session) handleHeartbeat(frame []byte) error {
	hb, err := s.decoder.DecodeHeartbeat(frame)
	if err != nil {
		metrics.DecodeErrors.Inc()
		return fmt.Errorf("解析心跳失败: %w", err)
	}
	s.write(s.decoder.BuildHeartbeatReply())

	now := s.reg.now()
	s.gsm = int(hb.GSM)
	s.voltage = int(hb.Voltage)
	s.lastHeartbeat = now
	s.reg.publish(inter.Message{Kind: inter.MessageHeartbeat, DeviceID: s.identity, Timestamp: now, Payload: hb})
	return nil
}

func (s *Session) handlePing(frame []byte) error {
	p, err := s.decoder.DecodePing(frame)
	if err != nil {
		metrics.DecodeErrors.Inc()
		return fmt.Errorf("解析定位数据失败: %w", err)
	}

	now := s.reg.now()
	p.ID = uuid.NewString()
	p.DeviceID = s.identity
	p.ReceivedAt = now
	if s.remote.IsValid() {
		p.RemoteAddr = s.remote.Addr().String()
	}
	p.Filter = filter.Apply(p, s.history.Items())
	p.Accuracy = filter.Accuracy(p, s.gsm)

	if !p.Filter.Compatible {
		for _, c := range p.Filter.Failed() {
			metrics.PingsRejected.WithLabelValues(string(c)).Inc()
		}
		s.log.Debug().
			Interface("failed", p.Filter.Failed()).
			Float64("distance", p.Filter.Distance).
			Time("date", p.Timestamp).
			Msg("样本被过滤")
		return nil
	}

	// 状态开始时间与事件时间取设备时间，连接类事件仍用服务器时间
	prev := s.history.Last()
	s.state = s.state.Advance(p.Status, p.Timestamp)
	p.StatusChangedAt = s.state.ChangedAt
	s.history.Push(p)
	metrics.PingsAccepted.Inc()

	var ev *inter.Event
	if t, ok := status.NextEvent(prev, p); ok {
		e := status.NewEvent(t, s.identity, &p, p.Timestamp)
		ev = &e
	}

	s.reg.publish(inter.Message{Kind: inter.MessagePing, DeviceID: s.identity, Timestamp: now, Payload: p})
	s.reg.recorder.RecordPing(p, ev)
	if ev != nil {
		s.reg.events.Dispatch(*ev)
	}
	return nil
}

// handleDisconnect 连接结束，只处理当前绑定的地址
func (s *Session) handleDisconnect(remote netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote != remote {
		return
	}
	wasConnected := s.connected
	s.conn = nil
	s.connected = false
	if !wasConnected {
		return
	}

	now := s.reg.now()
	s.log.Info().Str("remote", remote.String()).Msg("设备断开")
	s.reg.publish(inter.Message{Kind: inter.MessageDisconnect, DeviceID: s.identity, Timestamp: now})
	s.reg.events.Dispatch(status.NewEvent(inter.EventDisconnected, s.identity, nil, now))
}

func (s *Session) Snapshot() inter.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := inter.SessionSnapshot{
		Identity:        s.identity,
		Name:            s.name,
		Remote:          s.remote,
		Connected:       s.connected,
		Status:          s.state.Status,
		StatusChangedAt: s.state.ChangedAt,
		HistoryLen:      s.history.Len(),
		LastPing:        s.history.Last(),
		GSM:             s.gsm,
		Voltage:         s.voltage,
		LastHeartbeat:   s.lastHeartbeat,
	}
	if s.decoder != nil {
		snap.Decoder = s.decoder.Name()
	}
	return snap
}
