package filter

import "github.com/nhirsama/Goster-GPS/src/inter"

// GSMUnknown 尚未收到心跳时的信号等级
const GSMUnknown = -1

// Accuracy 估算样本可信度 (0-100)
// 未定位扣 50；已知 GSM 等级 (0-4, 每级 25%) 时扣除信号缺失的百分比；静止扣 20
func Accuracy(p inter.Ping, gsm int) int {
	score := 100
	if !p.GPSFixed {
		score -= 50
	}
	if gsm >= 0 {
		score -= 100 - min(gsm, 4)*25
	}
	if p.Speed == 0 {
		score -= 20
	}
	return max(0, min(100, score))
}
