package filter

import (
	"math"
	"time"

	"github.com/nhirsama/Goster-GPS/src/inter"
)

const (
	// EarthRadius 地球半径 (km)
	EarthRadius = 6371.0
	// MinDistance 小于该距离 (米) 视为静止抖动
	MinDistance = 10.0
	// MaxDistance 大于该距离 (米) 视为漂移
	MaxDistance = 500.0
	// RepeatWindow 相同坐标在该时间内重复到达视为重发
	RepeatWindow = time.Second
)

// Partial 单个过滤器的检查结果
type Partial struct {
	Checks   map[inter.Check]bool
	Distance float64
}

// Filter 纯函数：根据候选样本与历史 (最新的在末尾) 给出部分结果
type Filter func(candidate inter.Ping, history []inter.Ping) Partial

// Chain 固定执行顺序的过滤链
var Chain = []Filter{Validity, Temporal, Movement}

func last(history []inter.Ping) (inter.Ping, bool) {
	if len(history) == 0 {
		return inter.Ping{}, false
	}
	return history[len(history)-1], true
}

// Validity 坐标范围、零坐标、短时间内重复
func Validity(c inter.Ping, history []inter.Ping) Partial {
	inRange := c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
	repeating := false
	if prev, ok := last(history); ok {
		repeating = prev.Latitude == c.Latitude && prev.Longitude == c.Longitude &&
			c.ReceivedAt.Sub(prev.ReceivedAt) < RepeatWindow
	}
	return Partial{Checks: map[inter.Check]bool{
		inter.CheckValid:     inRange,
		inter.CheckZero:      c.Latitude == 0 || c.Longitude == 0,
		inter.CheckRepeating: repeating,
	}}
}

// Temporal 设备时间重复或倒退
func Temporal(c inter.Ping, history []inter.Ping) Partial {
	checks := map[inter.Check]bool{
		inter.CheckDuplicate: false,
		inter.CheckOutdated:  false,
	}
	if prev, ok := last(history); ok {
		checks[inter.CheckDuplicate] = c.Timestamp.Equal(prev.Timestamp)
		checks[inter.CheckOutdated] = c.Timestamp.Before(prev.Timestamp)
	}
	return Partial{Checks: checks}
}

// Movement 与上一个样本的距离必须落在 [MinDistance, MaxDistance] 内
// 没有历史时无法判断，直接通过
func Movement(c inter.Ping, history []inter.Ping) Partial {
	prev, ok := last(history)
	if !ok {
		return Partial{Checks: map[inter.Check]bool{
			inter.CheckTooClose: false,
			inter.CheckTooFar:   false,
		}}
	}
	d := Haversine(prev.Latitude, prev.Longitude, c.Latitude, c.Longitude)
	return Partial{
		Checks: map[inter.Check]bool{
			inter.CheckTooClose: tooClose(d),
			inter.CheckTooFar:   tooFar(d),
		},
		Distance: d,
	}
}

func tooClose(d float64) bool { return d < MinDistance }

func tooFar(d float64) bool { return d > MaxDistance }

// Merge 合并各过滤器的部分结果，距离取最后一个非零值
func Merge(parts ...Partial) inter.FilterResult {
	res := inter.FilterResult{Checks: make(map[inter.Check]bool)}
	for _, p := range parts {
		for k, v := range p.Checks {
			res.Checks[k] = v
		}
		if p.Distance != 0 {
			res.Distance = p.Distance
		}
	}
	return res
}

// Accept 对合并后的结果求值：所有检查都通过才算兼容
// 缺少有效性检查的结果不被接受
func Accept(r inter.FilterResult) bool {
	valid, ok := r.Checks[inter.CheckValid]
	if !ok || !valid {
		return false
	}
	for _, c := range []inter.Check{
		inter.CheckZero,
		inter.CheckRepeating,
		inter.CheckDuplicate,
		inter.CheckOutdated,
		inter.CheckTooClose,
		inter.CheckTooFar,
	} {
		if r.Checks[c] {
			return false
		}
	}
	return true
}

// Apply 依次执行过滤链并给出最终结果
func Apply(c inter.Ping, history []inter.Ping) inter.FilterResult {
	parts := make([]Partial, 0, len(Chain))
	for _, f := range Chain {
		parts = append(parts, f(c, history))
	}
	res := Merge(parts...)
	res.Compatible = Accept(res)
	return res
}

// Haversine 两点间大圆距离 (米)
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadius * c * 1000
}
