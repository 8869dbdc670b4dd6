package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nhirsama/Goster-GPS/src/inter"
)

// EncodeGT06 按 GT06 帧结构封包，计算长度与校验和
func EncodeGT06(proto byte, body []byte, serial uint16) []byte {
	length := gt06MinLen + len(body)
	buf := make([]byte, 0, length+5)
	buf = append(buf, gt06StartShort[:]...)
	buf = append(buf, byte(length), proto)
	buf = append(buf, body...)
	buf = binary.BigEndian.AppendUint16(buf, serial)
	buf = binary.BigEndian.AppendUint16(buf, crcITU(buf[2:]))
	return append(buf, gt06Stop[:]...)
}

// LoginFrame 构造登录帧，identity 为最多 16 位的十六进制终端 ID
func LoginFrame(identity string, serial uint16) ([]byte, error) {
	if len(identity) > 16 {
		return nil, fmt.Errorf("终端 ID 过长: %q", identity)
	}
	id, err := hex.DecodeString(strings.Repeat("0", 16-len(identity)) + identity)
	if err != nil {
		return nil, fmt.Errorf("终端 ID 不是十六进制: %w", err)
	}
	return EncodeGT06(0x01, id, serial), nil
}

// HeartbeatFrame 构造心跳帧
func HeartbeatFrame(terminalInfo, voltage, gsm byte, serial uint16) []byte {
	return EncodeGT06(0x13, []byte{terminalInfo, voltage, gsm, 0x00, 0x01}, serial)
}

// PingFrame 定位帧中可编码的字段，供模拟终端与测试使用
type PingFrame struct {
	Proto      byte
	Time       time.Time
	Satellites byte
	Latitude   float64
	Longitude  float64
	Speed      uint8
	Course     uint16
	Status     byte
	Serial     uint16
}

// Encode 生成完整的定位帧
func (p PingFrame) Encode() []byte {
	proto := p.Proto
	if proto == 0 {
		proto = 0x12
	}
	offset, ok := gt06StatusOffsets[gt06FrameKinds[proto]]
	if !ok {
		offset = gt06StatusOffsets[inter.FramePing]
	}

	body := make([]byte, offset+1)
	t := p.Time.UTC()
	body[offDate] = byte(t.Year() - 2000)
	body[offDate+1] = byte(t.Month())
	body[offDate+2] = byte(t.Day())
	body[offDate+3] = byte(t.Hour())
	body[offDate+4] = byte(t.Minute())
	body[offDate+5] = byte(t.Second())
	body[6] = p.Satellites
	copy(body[offLat:], EncodeCoord(p.Latitude))
	copy(body[offLon:], EncodeCoord(p.Longitude))
	body[offSpeed] = p.Speed
	binary.BigEndian.PutUint16(body[offCourse:], p.Course)
	body[offset] = p.Status

	return EncodeGT06(proto, body, p.Serial)
}
