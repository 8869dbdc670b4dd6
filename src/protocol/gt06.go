package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nhirsama/Goster-GPS/src/inter"
	"github.com/nhirsama/Goster-GPS/src/status"
	"github.com/sigurn/crc16"
)

// =============================================================================
// GT06 帧结构
//
//	START(2) LEN(1) PROTO(1) INFO(LEN-5) SERIAL(2) CRC(2) STOP(2)
//
// LEN 覆盖 PROTO 到 CRC，CRC-ITU 覆盖 LEN 到 SERIAL
// =============================================================================

const (
	gt06HeaderSize = 4 // START + LEN + PROTO
	gt06TailSize   = 6 // SERIAL + CRC + STOP
	gt06MinLen     = 5 // PROTO + SERIAL + CRC

	coordDivisor = 1800000.0
)

var (
	gt06StartShort = [2]byte{0x78, 0x78}
	gt06StartLong  = [2]byte{0x79, 0x79}
	gt06Stop       = [2]byte{0x0D, 0x0A}
)

// 协议号 -> 帧类型
var gt06FrameKinds = map[byte]inter.FrameKind{
	0x01: inter.FrameLogin,
	0x12: inter.FramePing,
	0x22: inter.FramePing,
	0x13: inter.FrameHeartbeat,
	0x16: inter.FrameAlarm,
	0x18: inter.FrameAlarm,
	0x1F: inter.FrameLocationUpdate,
}

// 状态字节在 INFO 中的偏移，报警帧比其他定位帧提前 2 字节
var gt06StatusOffsets = map[inter.FrameKind]int{
	inter.FramePing:           27,
	inter.FrameLocationUpdate: 27,
	inter.FrameAlarm:          25,
}

// INFO 内定位字段偏移
const (
	offDate   = 0
	offLat    = 7
	offLon    = 11
	offSpeed  = 15
	offCourse = 16
)

// 状态字节位
const (
	bitACC      = 1 << 1
	bitGPSFixed = 1 << 6
)

var x25Table = crc16.MakeTable(crc16.CRC16_X_25)

func crcITU(data []byte) uint16 {
	return crc16.Checksum(data, x25Table)
}

// 应答帧在初始化时计算，运行期只读
var (
	gt06LoginReply     = buildGT06Reply(0x01, 0x0001)
	gt06HeartbeatReply = buildGT06Reply(0x13, 0x0001)
)

// buildGT06Reply 构造不带 INFO 的应答帧
func buildGT06Reply(proto byte, serial uint16) []byte {
	buf := make([]byte, 0, 10)
	buf = append(buf, gt06StartShort[:]...)
	buf = append(buf, gt06MinLen, proto)
	buf = binary.BigEndian.AppendUint16(buf, serial)
	buf = binary.BigEndian.AppendUint16(buf, crcITU(buf[2:]))
	return append(buf, gt06Stop[:]...)
}

// GT06 实现 inter.Decoder 接口
type GT06 struct{}

// NewGT06 创建 GT06 解码器
func NewGT06() inter.Decoder {
	return GT06{}
}

func (GT06) Name() string { return "gt06" }

func isGT06Start(b []byte) bool {
	return len(b) >= 2 && ([2]byte(b[:2]) == gt06StartShort || [2]byte(b[:2]) == gt06StartLong)
}

func (GT06) Frame(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, inter.ErrFrameIncomplete
	}
	if buf[0] != 0x78 && buf[0] != 0x79 {
		return 0, inter.ErrBadMarker
	}
	if len(buf) < 3 {
		if len(buf) == 2 && !isGT06Start(buf) {
			return 0, inter.ErrBadMarker
		}
		return 0, inter.ErrFrameIncomplete
	}
	if !isGT06Start(buf) {
		return 0, inter.ErrBadMarker
	}
	length := int(buf[2])
	if length < gt06MinLen {
		return 0, inter.ErrBadLength
	}
	n := length + 5
	if len(buf) < n {
		return 0, inter.ErrFrameIncomplete
	}
	if [2]byte(buf[n-2:n]) != gt06Stop {
		return 0, inter.ErrBadMarker
	}
	return n, nil
}

// check 校验一帧完整数据的结构与校验和
func (d GT06) check(frame []byte) error {
	n, err := d.Frame(frame)
	if err != nil {
		if errors.Is(err, inter.ErrFrameIncomplete) {
			return inter.ErrFrameTooShort
		}
		return err
	}
	if n != len(frame) {
		return inter.ErrBadLength
	}
	want := binary.BigEndian.Uint16(frame[n-4 : n-2])
	if got := crcITU(frame[2 : n-4]); got != want {
		return fmt.Errorf("%w: 期望 0x%04X, 实际 0x%04X", inter.ErrChecksum, want, got)
	}
	return nil
}

// info 返回协议号之后、序列号之前的内容
func info(frame []byte) []byte {
	return frame[gt06HeaderSize : len(frame)-gt06TailSize]
}

// ExtractIdentity 取帧第 4-12 字节 (登录包的终端 ID) 作为设备标识
func (GT06) ExtractIdentity(frame []byte) (string, bool) {
	if len(frame) < gt06HeaderSize+8 || !isGT06Start(frame) {
		return "", false
	}
	id := CanonicalIdentity(hex.EncodeToString(frame[gt06HeaderSize : gt06HeaderSize+8]))
	if id == "" {
		return "", false
	}
	return id, true
}

func (d GT06) MatchesSignature(frame []byte) bool {
	return d.check(frame) == nil
}

// LookupFrameKind 起始位或停止位不符的帧一律视为 noop
func (GT06) LookupFrameKind(frame []byte) inter.FrameKind {
	if len(frame) < gt06HeaderSize+gt06TailSize || !isGT06Start(frame) {
		return inter.FrameNoop
	}
	if [2]byte(frame[len(frame)-2:]) != gt06Stop {
		return inter.FrameNoop
	}
	if kind, ok := gt06FrameKinds[frame[3]]; ok {
		return kind
	}
	return inter.FrameNoop
}

func (d GT06) DecodePing(frame []byte) (inter.Ping, error) {
	if err := d.check(frame); err != nil {
		return inter.Ping{}, err
	}
	kind := d.LookupFrameKind(frame)
	offset, ok := gt06StatusOffsets[kind]
	if !ok {
		return inter.Ping{}, fmt.Errorf("%w: %s", inter.ErrNotPing, kind)
	}
	body := info(frame)
	if len(body) <= offset {
		return inter.Ping{}, fmt.Errorf("%w: 内容 %d 字节, 至少需要 %d", inter.ErrFrameTooShort, len(body), offset+1)
	}

	speed := int(body[offSpeed])
	flags := body[offset]
	ignition := flags&bitACC != 0 || speed > 0

	return inter.Ping{
		ProtocolID:  frame[3],
		Kind:        kind,
		Timestamp:   decodeTime(body[offDate : offDate+6]),
		Latitude:    decodeCoord(body[offLat : offLat+4]),
		Longitude:   decodeCoord(body[offLon : offLon+4]),
		Speed:       speed,
		Orientation: int(binary.BigEndian.Uint16(body[offCourse : offCourse+2])),
		Ignition:    ignition,
		GPSFixed:    flags&bitGPSFixed != 0,
		Status:      status.Derive(speed, ignition),
		Serial:      binary.BigEndian.Uint16(frame[len(frame)-gt06TailSize:]),
	}, nil
}

func (d GT06) DecodeHeartbeat(frame []byte) (inter.Heartbeat, error) {
	if err := d.check(frame); err != nil {
		return inter.Heartbeat{}, err
	}
	if kind := d.LookupFrameKind(frame); kind != inter.FrameHeartbeat {
		return inter.Heartbeat{}, fmt.Errorf("protocol: 期望心跳帧, 实际 %s", kind)
	}
	body := info(frame)
	if len(body) < 3 {
		return inter.Heartbeat{}, fmt.Errorf("%w: 心跳内容 %d 字节", inter.ErrFrameTooShort, len(body))
	}
	return inter.Heartbeat{
		TerminalInfo: body[0],
		Ignition:     body[0]&bitACC != 0,
		Voltage:      body[1],
		GSM:          body[2],
	}, nil
}

func (GT06) BuildLoginReply() []byte {
	return append([]byte(nil), gt06LoginReply...)
}

func (GT06) BuildHeartbeatReply() []byte {
	return append([]byte(nil), gt06HeartbeatReply...)
}

func decodeTime(b []byte) time.Time {
	return time.Date(2000+int(b[0]), time.Month(b[1]), int(b[2]), int(b[3]), int(b[4]), int(b[5]), 0, time.UTC)
}

func decodeCoord(b []byte) float64 {
	raw := int32(binary.BigEndian.Uint32(b))
	return roundCoord(float64(raw) / coordDivisor)
}

// EncodeCoord 经纬度转为 4 字节原始值，DecodePing 的逆变换
func EncodeCoord(deg float64) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(int32(math.Round(deg*coordDivisor))))
}

func roundCoord(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// CanonicalIdentity 规范化设备标识：小写并去掉前导零
func CanonicalIdentity(id string) string {
	return strings.TrimLeft(strings.ToLower(strings.TrimSpace(id)), "0")
}
