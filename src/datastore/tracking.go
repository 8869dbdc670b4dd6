package datastore

import (
	"encoding/json"
	"time"

	"github.com/nhirsama/Goster-GPS/src/inter"
)

// trackingExtras 轨迹行中以 JSON 保存的附加字段
type trackingExtras struct {
	Kind            inter.FrameKind      `json:"type"`
	Checks          map[inter.Check]bool `json:"checks"`
	Compatible      bool                 `json:"isCompatible"`
	Distance        float64              `json:"distance"`
	Accuracy        int                  `json:"accuracy"`
	Ignition        bool                 `json:"accStatus"`
	GPSFixed        bool                 `json:"gpsFixed"`
	StatusChangedAt time.Time            `json:"statusChangedAt"`
	Serial          uint16               `json:"serial"`
	RemoteAddr      string               `json:"ip,omitempty"`
	PingID          string               `json:"pingId"`
}

func encodeExtras(p inter.Ping) ([]byte, error) {
	return json.Marshal(trackingExtras{
		Kind:            p.Kind,
		Checks:          p.Filter.Checks,
		Compatible:      p.Filter.Compatible,
		Distance:        p.Filter.Distance,
		Accuracy:        p.Accuracy,
		Ignition:        p.Ignition,
		GPSFixed:        p.GPSFixed,
		StatusChangedAt: p.StatusChangedAt,
		Serial:          p.Serial,
		RemoteAddr:      p.RemoteAddr,
		PingID:          p.ID,
	})
}

// nullableTracking 0 表示事件不关联轨迹行
func nullableTracking(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
