package device_manager

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/nhirsama/Goster-GPS/src/filter"
	"github.com/nhirsama/Goster-GPS/src/inter"
	"github.com/nhirsama/Goster-GPS/src/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 测试替身
// =============================================================================

type fakeConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []inter.Message
}

func (p *fakePublisher) Publish(m inter.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
}

func (p *fakePublisher) kinds() []inter.MessageKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []inter.MessageKind
	for _, m := range p.msgs {
		out = append(out, m.Kind)
	}
	return out
}

func (p *fakePublisher) events() []inter.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []inter.EventType
	for _, m := range p.msgs {
		if ev, ok := m.Payload.(inter.Event); ok {
			out = append(out, ev.Type)
		}
	}
	return out
}

type fakeRecorder struct {
	mu     sync.Mutex
	pings  []inter.Ping
	events []inter.Event
}

func (r *fakeRecorder) RecordPing(p inter.Ping, ev *inter.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pings = append(r.pings, p)
	if ev != nil {
		r.events = append(r.events, *ev)
	}
}

func (r *fakeRecorder) RecordEvent(ev inter.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type staticDirectory struct {
	devices []inter.DeviceDescriptor
	err     error
}

func (d staticDirectory) FetchDevices(context.Context) ([]inter.DeviceDescriptor, error) {
	return d.devices, d.err
}

// fakeClock 每次调用前进 10 秒
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(10 * time.Second)
	return c.now
}

const testIdentity = "358899050000001"

var (
	baseTime   = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	remoteA    = netip.MustParseAddrPort("10.0.0.8:40001")
	remoteB    = netip.MustParseAddrPort("10.0.0.8:40002")
	statusACC  = byte(0x02)
	statusFix  = byte(0x40)
	startLat   = 22.543096
	startLon   = 114.057865
	metersPerD = 6371000 * math.Pi / 180
)

type harness struct {
	reg  *Registry
	pub  *fakePublisher
	rec  *fakeRecorder
	conn *fakeConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{pub: &fakePublisher{}, rec: &fakeRecorder{}, conn: &fakeConn{}}
	clock := &fakeClock{now: baseTime}
	h.reg = NewRegistry(Options{
		Directory: staticDirectory{devices: []inter.DeviceDescriptor{{Identity: "0" + testIdentity, Name: "货车 1"}}},
		Publisher: h.pub,
		Recorder:  h.rec,
		Clock:     clock.Now,
	})
	added, err := h.reg.Resync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, added)
	return h
}

func loginFrame(t *testing.T) []byte {
	t.Helper()
	f, err := protocol.LoginFrame(testIdentity, 1)
	require.NoError(t, err)
	return f
}

// pingAt 在起点以北 meters 米处的定位帧
func pingAt(meters float64, minute int, speed uint8, flags byte) []byte {
	return protocol.PingFrame{
		Time:      baseTime.Add(time.Duration(minute) * time.Minute),
		Latitude:  startLat + meters/metersPerD,
		Longitude: startLon,
		Speed:     speed,
		Status:    flags,
		Serial:    uint16(minute + 2),
	}.Encode()
}

// feed 模拟监听器：识别后交给会话处理
func (h *harness) feed(t *testing.T, remote netip.AddrPort, frame []byte) error {
	t.Helper()
	s, ok := h.reg.Identify(frame, h.conn, remote)
	require.True(t, ok, "帧未被识别")
	return s.HandleFrame(frame)
}

// =============================================================================
// 测试用例
// =============================================================================

func TestHistory_Bounded(t *testing.T) {
	h := NewHistory(3)
	assert.True(t, h.IsEmpty())
	assert.Nil(t, h.Last())

	for i := 1; i <= 5; i++ {
		h.Push(inter.Ping{Speed: i})
		assert.LessOrEqual(t, h.Len(), 3)
	}
	items := h.Items()
	require.Len(t, items, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{items[0].Speed, items[1].Speed, items[2].Speed})
	assert.Equal(t, 5, h.Last().Speed)

	// 副本修改不影响内部状态
	items[0].Speed = 99
	h.Last().Speed = 99
	assert.Equal(t, 3, h.Items()[0].Speed)
	assert.Equal(t, 5, h.Last().Speed)

	assert.Equal(t, HistoryCapacity, NewHistory(0).capacity)
}

func TestResync_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.reg.directory = staticDirectory{devices: []inter.DeviceDescriptor{
		{Identity: testIdentity, Name: "改名"},
		{Identity: "358899050000002"},
		{Identity: "000"},
	}}
	added, err := h.reg.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 2, h.reg.Len())

	s, ok := h.reg.Session(testIdentity)
	require.True(t, ok)
	assert.Equal(t, "货车 1", s.Snapshot().Name)

	h.reg.directory = staticDirectory{err: errors.New("目录不可用")}
	_, err = h.reg.Resync(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, h.reg.Len())

	_, err = NewRegistry(Options{}).Resync(context.Background())
	assert.Error(t, err)
}

func TestIdentify(t *testing.T) {
	h := newHarness(t)

	// 未绑定的连接发来定位帧：无法识别
	_, ok := h.reg.Identify(pingAt(0, 0, 30, statusFix), h.conn, remoteA)
	assert.False(t, ok)

	// 未登记的设备
	unknown, err := protocol.LoginFrame("123456789", 1)
	require.NoError(t, err)
	_, ok = h.reg.Identify(unknown, h.conn, remoteA)
	assert.False(t, ok)

	// 校验和错误的登录帧
	corrupt := loginFrame(t)
	corrupt[len(corrupt)-3] ^= 0xFF
	_, ok = h.reg.Identify(corrupt, h.conn, remoteA)
	assert.False(t, ok)

	s, ok := h.reg.Identify(loginFrame(t), h.conn, remoteA)
	require.True(t, ok)
	assert.Equal(t, testIdentity, s.Identity())
	assert.Equal(t, "gt06", s.Decoder().Name())

	// 绑定后按地址直接命中
	again, ok := h.reg.Identify(pingAt(0, 0, 30, statusFix), h.conn, remoteA)
	require.True(t, ok)
	assert.Same(t, s, again)

	looked, ok := h.reg.Lookup(remoteA)
	require.True(t, ok)
	assert.Same(t, s, looked)
	_, ok = h.reg.Lookup(remoteB)
	assert.False(t, ok)
}

func TestLoginAndPings(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.feed(t, remoteA, loginFrame(t)))
	assert.Equal(t, protocol.NewGT06().BuildLoginReply(), h.conn.Bytes())
	assert.Equal(t, []inter.MessageKind{inter.MessageConnect, inter.MessageEvent}, h.pub.kinds())
	assert.Equal(t, []inter.EventType{inter.EventConnected}, h.pub.events())

	// 尚无定位数据时没有状态开始时间
	s, _ := h.reg.Session(testIdentity)
	assert.Equal(t, inter.StatusNoData, s.Snapshot().Status)
	assert.True(t, s.Snapshot().StatusChangedAt.IsZero())

	for i := 0; i < 3; i++ {
		require.NoError(t, h.feed(t, remoteA, pingAt(float64(i)*50, i+1, 40, statusACC|statusFix)))
	}

	assert.Equal(t, []inter.MessageKind{
		inter.MessageConnect, inter.MessageEvent,
		inter.MessagePing, inter.MessagePing, inter.MessagePing,
	}, h.pub.kinds())
	assert.Equal(t, []inter.EventType{inter.EventConnected}, h.pub.events())

	require.Len(t, h.rec.pings, 3)
	// 状态开始时间取首个样本的设备时间
	firstChange := baseTime.Add(time.Minute)
	assert.Equal(t, firstChange, h.rec.pings[0].Timestamp)
	for i, p := range h.rec.pings {
		assert.True(t, p.Filter.Compatible, "ping %d", i)
		assert.Equal(t, inter.StatusRunning, p.Status)
		assert.Equal(t, testIdentity, p.DeviceID)
		assert.Equal(t, "10.0.0.8", p.RemoteAddr)
		assert.Equal(t, firstChange, p.StatusChangedAt)
		assert.NotEmpty(t, p.ID)
		// 尚未收到心跳，GSM 未知：只因定位正常保留满分
		assert.Equal(t, 100, p.Accuracy)
	}
	assert.InDelta(t, 50, h.rec.pings[1].Filter.Distance, 0.5)
	require.Len(t, h.rec.events, 1)
	assert.Equal(t, inter.EventConnected, h.rec.events[0].Type)

	snap := h.reg.Sessions()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Connected)
	assert.Equal(t, inter.StatusRunning, snap[0].Status)
	assert.Equal(t, firstChange, snap[0].StatusChangedAt)
	assert.Equal(t, 3, snap[0].HistoryLen)
	assert.Equal(t, "gt06", snap[0].Decoder)
	require.NotNil(t, snap[0].LastPing)
	assert.Equal(t, h.rec.pings[2].ID, snap[0].LastPing.ID)
}

func TestPingEvents(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.feed(t, remoteA, loginFrame(t)))

	// 停车熄火 -> 点火行驶 -> 怠速 -> 熄火
	require.NoError(t, h.feed(t, remoteA, pingAt(0, 1, 0, statusFix)))
	require.NoError(t, h.feed(t, remoteA, pingAt(60, 2, 30, statusFix)))
	require.NoError(t, h.feed(t, remoteA, pingAt(120, 3, 2, statusACC|statusFix)))
	require.NoError(t, h.feed(t, remoteA, pingAt(180, 4, 0, statusFix)))

	assert.Equal(t, []inter.EventType{
		inter.EventConnected,
		inter.EventIgnitionOn,
		inter.EventDeviceIdle,
		inter.EventIgnitionOff,
	}, h.pub.events())

	// 事件引用触发它的样本
	require.Len(t, h.rec.events, 4)
	assert.Equal(t, h.rec.pings[1].ID, h.rec.events[1].PingID)
	assert.Equal(t, h.rec.pings[2].ID, h.rec.events[2].PingID)
	assert.Empty(t, h.rec.events[0].PingID)

	// 样本事件与状态开始时间使用设备时间
	for i, ev := range h.rec.events[1:] {
		p := h.rec.pings[i+1]
		assert.Equal(t, p.Timestamp, ev.Timestamp, ev.Type)
		assert.Equal(t, p.Timestamp, p.StatusChangedAt, ev.Type)
	}
	assert.Equal(t, baseTime.Add(2*time.Minute), h.rec.events[1].Timestamp)
	assert.Equal(t, baseTime.Add(4*time.Minute), h.rec.events[3].Timestamp)

	// 连接事件仍使用服务器时钟
	assert.NotEqual(t, baseTime.Add(time.Minute), h.rec.events[0].Timestamp)
	assert.True(t, h.rec.events[0].Timestamp.After(baseTime))
}

func TestRejectedPing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.feed(t, remoteA, loginFrame(t)))
	require.NoError(t, h.feed(t, remoteA, pingAt(0, 1, 30, statusFix)))

	// 距离过近、时间倒退、漂移
	require.NoError(t, h.feed(t, remoteA, pingAt(3, 2, 30, statusFix)))
	require.NoError(t, h.feed(t, remoteA, pingAt(60, 0, 30, statusFix)))
	require.NoError(t, h.feed(t, remoteA, pingAt(5000, 3, 30, statusFix)))

	assert.Len(t, h.rec.pings, 1)
	s, _ := h.reg.Session(testIdentity)
	assert.Equal(t, 1, s.Snapshot().HistoryLen)

	// 不会更新状态，也不会广播
	assert.Equal(t, []inter.MessageKind{inter.MessageConnect, inter.MessageEvent, inter.MessagePing}, h.pub.kinds())
}

func TestDecodeErrorKeepsState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.feed(t, remoteA, loginFrame(t)))

	bad := pingAt(0, 1, 30, statusFix)
	bad[8] ^= 0xFF
	err := h.feed(t, remoteA, bad)
	assert.ErrorIs(t, err, inter.ErrChecksum)

	s, _ := h.reg.Session(testIdentity)
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.HistoryLen)
	assert.Equal(t, inter.StatusNoData, snap.Status)
	assert.True(t, snap.Connected)

	// 未映射的协议号被忽略
	assert.NoError(t, h.feed(t, remoteA, protocol.EncodeGT06(0x8A, nil, 9)))
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.feed(t, remoteA, loginFrame(t)))
	require.NoError(t, h.feed(t, remoteA, protocol.HeartbeatFrame(0x02, 4, 2, 3)))

	d := protocol.NewGT06()
	want := append(d.BuildLoginReply(), d.BuildHeartbeatReply()...)
	assert.Equal(t, want, h.conn.Bytes())
	assert.Contains(t, h.pub.kinds(), inter.MessageHeartbeat)

	s, _ := h.reg.Session(testIdentity)
	snap := s.Snapshot()
	assert.Equal(t, 2, snap.GSM)
	assert.Equal(t, 4, snap.Voltage)
	assert.False(t, snap.LastHeartbeat.IsZero())

	// GSM 等级参与可信度计算：未定位 -50，信号 50% -50，静止 -20
	require.NoError(t, h.feed(t, remoteA, pingAt(0, 1, 0, 0)))
	require.Len(t, h.rec.pings, 1)
	assert.Equal(t, 0, h.rec.pings[0].Accuracy)
	assert.Equal(t, filter.Accuracy(h.rec.pings[0], 2), h.rec.pings[0].Accuracy)
}

func TestDisconnectAndReconnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.feed(t, remoteA, loginFrame(t)))
	require.NoError(t, h.feed(t, remoteA, pingAt(0, 1, 30, statusFix)))

	h.reg.Disconnect(remoteA)
	s, _ := h.reg.Session(testIdentity)
	assert.False(t, s.Snapshot().Connected)
	assert.Contains(t, h.pub.events(), inter.EventDisconnected)
	_, ok := h.reg.Lookup(remoteA)
	assert.False(t, ok)

	// 重复的断开信号不再产生事件
	h.reg.Disconnect(remoteA)
	count := 0
	for _, e := range h.pub.events() {
		if e == inter.EventDisconnected {
			count++
		}
	}
	assert.Equal(t, 1, count)

	// 从新端口重连，会话与历史保留
	require.NoError(t, h.feed(t, remoteB, loginFrame(t)))
	snap := s.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, remoteB, snap.Remote)
	assert.Equal(t, 1, snap.HistoryLen)
	assert.Equal(t, 1, h.reg.Len())

	// 旧连接迟到的结束信号不影响新连接
	h.reg.Disconnect(remoteA)
	assert.True(t, s.Snapshot().Connected)
}

func TestRebindDropsOldAddress(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.feed(t, remoteA, loginFrame(t)))
	require.NoError(t, h.feed(t, remoteB, loginFrame(t)))

	_, ok := h.reg.Lookup(remoteA)
	assert.False(t, ok)
	_, ok = h.reg.Lookup(remoteB)
	assert.True(t, ok)

	// 旧地址的断开不会把新连接标记为断开
	h.reg.Disconnect(remoteA)
	s, _ := h.reg.Session(testIdentity)
	assert.True(t, s.Snapshot().Connected)
}

func TestConcurrentSessions(t *testing.T) {
	h := newHarness(t)
	devices := []string{"358899050000010", "358899050000011", "358899050000012", "358899050000013"}
	for _, id := range devices {
		require.True(t, h.reg.Add(inter.DeviceDescriptor{Identity: id}))
	}

	var wg sync.WaitGroup
	for i, id := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remote := netip.AddrPortFrom(netip.MustParseAddr("10.0.1.1"), uint16(50000+i))
			login, err := protocol.LoginFrame(id, 1)
			if !assert.NoError(t, err) {
				return
			}
			s, ok := h.reg.Identify(login, &fakeConn{}, remote)
			if !assert.True(t, ok) {
				return
			}
			assert.NoError(t, s.HandleFrame(login))
			for m := 0; m < 5; m++ {
				frame := pingAt(float64(m)*40, m+1, 30, statusFix)
				s, ok := h.reg.Identify(frame, nil, remote)
				if assert.True(t, ok) {
					assert.NoError(t, s.HandleFrame(frame))
				}
				_ = h.reg.Sessions()
			}
		}()
	}
	wg.Wait()

	for _, snap := range h.reg.Sessions() {
		if snap.Identity == testIdentity {
			continue
		}
		assert.True(t, snap.Connected, snap.Identity)
		assert.Equal(t, 5, snap.HistoryLen, snap.Identity)
	}
}

// 同一设备的两条连接交错上报时，落库与广播顺序与历史接受顺序一致
func TestSameDeviceOrdering(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.feed(t, remoteA, loginFrame(t)))
	s, ok := h.reg.Session(testIdentity)
	require.True(t, ok)

	var wg sync.WaitGroup
	for start := 1; start <= 2; start++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := start; m <= 40; m += 2 {
				assert.NoError(t, s.HandleFrame(pingAt(float64(m)*15, m, 30, statusFix)))
			}
		}()
	}
	wg.Wait()

	h.rec.mu.Lock()
	recorded := append([]inter.Ping(nil), h.rec.pings...)
	h.rec.mu.Unlock()
	require.NotEmpty(t, recorded)
	for i := 1; i < len(recorded); i++ {
		assert.True(t, recorded[i].Timestamp.After(recorded[i-1].Timestamp), "样本 %d 顺序错乱", i)
	}

	h.pub.mu.Lock()
	var published []string
	for _, m := range h.pub.msgs {
		if p, ok := m.Payload.(inter.Ping); ok {
			published = append(published, p.ID)
		}
	}
	h.pub.mu.Unlock()
	var ids []string
	for _, p := range recorded {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, ids, published)

	last := s.Snapshot().LastPing
	require.NotNil(t, last)
	assert.Equal(t, recorded[len(recorded)-1].ID, last.ID)
}
