package filter

import (
	"math"
	"testing"
	"time"

	"github.com/nhirsama/Goster-GPS/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// metersNorth 沿经线向北移动 m 米后的纬度
func metersNorth(lat, m float64) float64 {
	return lat + m/(EarthRadius*1000)*180/math.Pi
}

func sample(lat, lon float64, ts time.Time) inter.Ping {
	return inter.Ping{Latitude: lat, Longitude: lon, Timestamp: ts, ReceivedAt: ts}
}

func TestHaversine(t *testing.T) {
	a := [2]float64{22.543096, 114.057865}
	b := [2]float64{39.904211, 116.407394}

	ab := Haversine(a[0], a[1], b[0], b[1])
	ba := Haversine(b[0], b[1], a[0], a[1])
	assert.Equal(t, ab, ba)
	assert.InDelta(t, 1943000, ab, 5000)

	assert.Equal(t, 0.0, Haversine(a[0], a[1], a[0], a[1]))

	assert.InDelta(t, 50, Haversine(10, 20, metersNorth(10, 50), 20), 1e-6)
}

func TestMovementBoundaries(t *testing.T) {
	assert.True(t, tooClose(9.999))
	assert.False(t, tooClose(10))
	assert.False(t, tooFar(500))
	assert.True(t, tooFar(500.001))
}

func TestMovement(t *testing.T) {
	prev := sample(22.5, 114.0, t0)

	cases := []struct {
		name   string
		meters float64
		ok     bool
	}{
		{"静止抖动", 3, false},
		{"正常移动", 50, true},
		{"接近下限", 10.5, true},
		{"接近上限", 499.5, true},
		{"漂移", 800, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cand := sample(metersNorth(22.5, c.meters), 114.0, t0.Add(10*time.Second))
			p := Movement(cand, []inter.Ping{prev})
			assert.Equal(t, c.ok, !p.Checks[inter.CheckTooClose] && !p.Checks[inter.CheckTooFar])
			assert.InDelta(t, c.meters, p.Distance, 1e-6)
		})
	}
}

func TestMovement_EmptyHistory(t *testing.T) {
	for _, cand := range []inter.Ping{
		sample(22.5, 114.0, t0),
		sample(-89.9, 179.9, t0),
	} {
		p := Movement(cand, nil)
		assert.False(t, p.Checks[inter.CheckTooClose])
		assert.False(t, p.Checks[inter.CheckTooFar])
		assert.Zero(t, p.Distance)
	}

	res := Apply(sample(22.5, 114.0, t0), nil)
	assert.True(t, res.Compatible)
}

func TestValidity(t *testing.T) {
	cases := []struct {
		name  string
		lat   float64
		lon   float64
		check inter.Check
		want  bool
	}{
		{"纬度越界", 91, 114, inter.CheckValid, false},
		{"经度越界", 22, -181, inter.CheckValid, false},
		{"边界合法", -90, 180, inter.CheckValid, true},
		{"零纬度", 0, 114, inter.CheckZero, true},
		{"零经度", 22, 0, inter.CheckZero, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := Validity(sample(c.lat, c.lon, t0), nil)
			assert.Equal(t, c.want, p.Checks[c.check])
		})
	}
}

func TestValidity_Repeat(t *testing.T) {
	prev := sample(22.5, 114.0, t0)

	again := sample(22.5, 114.0, t0.Add(5*time.Second))
	again.ReceivedAt = t0.Add(500 * time.Millisecond)
	assert.True(t, Validity(again, []inter.Ping{prev}).Checks[inter.CheckRepeating])

	late := sample(22.5, 114.0, t0.Add(5*time.Second))
	late.ReceivedAt = t0.Add(time.Second)
	assert.False(t, Validity(late, []inter.Ping{prev}).Checks[inter.CheckRepeating])

	moved := sample(22.6, 114.0, t0)
	assert.False(t, Validity(moved, []inter.Ping{prev}).Checks[inter.CheckRepeating])
}

func TestTemporal(t *testing.T) {
	history := []inter.Ping{sample(22.5, 114.0, t0.Add(-time.Minute)), sample(22.5, 114.0, t0)}

	dup := Temporal(sample(22.6, 114.0, t0), history)
	assert.True(t, dup.Checks[inter.CheckDuplicate])
	assert.False(t, dup.Checks[inter.CheckOutdated])

	old := Temporal(sample(22.6, 114.0, t0.Add(-time.Second)), history)
	assert.False(t, old.Checks[inter.CheckDuplicate])
	assert.True(t, old.Checks[inter.CheckOutdated])

	fresh := Temporal(sample(22.6, 114.0, t0.Add(time.Second)), history)
	assert.False(t, fresh.Checks[inter.CheckDuplicate])
	assert.False(t, fresh.Checks[inter.CheckOutdated])

	empty := Temporal(sample(22.6, 114.0, t0), nil)
	assert.False(t, empty.Checks[inter.CheckDuplicate])
	assert.False(t, empty.Checks[inter.CheckOutdated])
}

func TestMergeAndAccept(t *testing.T) {
	res := Merge(
		Partial{Checks: map[inter.Check]bool{inter.CheckValid: true, inter.CheckZero: false}},
		Partial{Checks: map[inter.Check]bool{inter.CheckDuplicate: false}},
		Partial{Checks: map[inter.Check]bool{inter.CheckTooClose: false}, Distance: 42},
	)
	assert.Equal(t, 42.0, res.Distance)
	assert.Len(t, res.Checks, 4)
	assert.True(t, Accept(res))

	res.Checks[inter.CheckTooClose] = true
	assert.False(t, Accept(res))

	assert.False(t, Accept(inter.FilterResult{}))
}

func TestApply(t *testing.T) {
	prev := sample(22.5, 114.0, t0)

	ok := Apply(sample(metersNorth(22.5, 50), 114.0, t0.Add(10*time.Second)), []inter.Ping{prev})
	require.True(t, ok.Compatible)
	assert.Empty(t, ok.Failed())
	assert.InDelta(t, 50, ok.Distance, 1e-6)

	bad := Apply(sample(metersNorth(22.5, 50), 114.0, t0.Add(-time.Second)), []inter.Ping{prev})
	assert.False(t, bad.Compatible)
	assert.Equal(t, []inter.Check{inter.CheckOutdated}, bad.Failed())

	zero := Apply(sample(0, 0, t0), nil)
	assert.False(t, zero.Compatible)
	assert.Equal(t, []inter.Check{inter.CheckZero}, zero.Failed())

	invalid := Apply(sample(95, 0, t0), nil)
	assert.Equal(t, []inter.Check{inter.CheckValid, inter.CheckZero}, invalid.Failed())
}
