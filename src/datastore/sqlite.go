package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nhirsama/Goster-GPS/src/inter"
	_ "modernc.org/sqlite"
)

// SQLiteStore 基于嵌入式 SQLite 的 inter.TrackStore 实现
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
    CREATE TABLE IF NOT EXISTS event_types (
       name     TEXT PRIMARY KEY,
       priority TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS trackings (
       id           INTEGER PRIMARY KEY AUTOINCREMENT,
       protocol_id  INTEGER,
       device_id    TEXT NOT NULL,
       device_time  DATETIME,
       server_time  DATETIME,
       latitude     REAL,
       longitude    REAL,
       speed        INTEGER,
       orientation  INTEGER,
       status       TEXT,
       extras       TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_trackings_device ON trackings (device_id, device_time);

    CREATE TABLE IF NOT EXISTS events (
       id          TEXT PRIMARY KEY,
       type        TEXT NOT NULL REFERENCES event_types(name),
       device_id   TEXT NOT NULL,
       tracking_id INTEGER REFERENCES trackings(id),
       created_at  DATETIME
    );
    CREATE INDEX IF NOT EXISTS idx_events_device ON events (device_id, created_at);
    `

// NewSQLiteStore 打开数据库并初始化表结构与事件类型
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// 写入由单个后台 goroutine 完成
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}
	for _, t := range inter.EventTypes {
		if _, err := db.Exec(`INSERT OR IGNORE INTO event_types (name, priority) VALUES (?, ?)`, string(t), t.Priority()); err != nil {
			db.Close()
			return nil, fmt.Errorf("初始化事件类型失败: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveTracking(ctx context.Context, rec inter.TrackingRecord) (int64, error) {
	p := rec.Ping
	extras, err := encodeExtras(p)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trackings (protocol_id, device_id, device_time, server_time, latitude, longitude, speed, orientation, status, extras)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProtocolID, p.DeviceID, p.Timestamp.UTC(), rec.ServerTime.UTC(),
		p.Latitude, p.Longitude, p.Speed, p.Orientation, string(p.Status), string(extras),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, ev inter.Event, trackingID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, device_id, tracking_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.DeviceID, nullableTracking(trackingID), ev.Timestamp.UTC(),
	)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
