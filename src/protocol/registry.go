package protocol

import (
	"bufio"
	"errors"

	"github.com/nhirsama/Goster-GPS/src/inter"
)

// MaxFrameSize 任意已注册协议单帧的最大长度
const MaxFrameSize = 0xFF + 5

// Decoders 返回已注册的解码器，识别设备时按此顺序逐个尝试
// 新增协议家族只需在此追加
func Decoders() []inter.Decoder {
	return []inter.Decoder{
		NewGT06(),
	}
}

// Lookup 按名称查找解码器
func Lookup(name string) (inter.Decoder, bool) {
	for _, d := range Decoders() {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// Split 返回按帧切分字节流的 bufio.SplitFunc
// 起始位之前的无效字节被丢弃；停止位错误时前进 1 字节重新同步；不完整的帧等待更多数据
func Split(decoders []inter.Decoder) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		for i := 0; i < len(data); i++ {
			for _, d := range decoders {
				n, err := d.Frame(data[i:])
				switch {
				case err == nil:
					return i + n, data[i : i+n], nil
				case errors.Is(err, inter.ErrFrameIncomplete):
					if atEOF {
						return len(data), nil, nil
					}
					// 丢掉前面的垃圾字节，保留候选帧
					return i, nil, nil
				}
			}
		}
		return len(data), nil, nil
	}
}
