package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nhirsama/Goster-GPS/src/inter"
)

// PostgresStore 基于 PostgreSQL 的 inter.TrackStore 实现
type PostgresStore struct {
	pool *pgxpool.Pool
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS event_types (
	   name     TEXT PRIMARY KEY,
	   priority TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trackings (
	   id           BIGSERIAL PRIMARY KEY,
	   protocol_id  SMALLINT,
	   device_id    TEXT NOT NULL,
	   device_time  TIMESTAMPTZ,
	   server_time  TIMESTAMPTZ,
	   latitude     DOUBLE PRECISION,
	   longitude    DOUBLE PRECISION,
	   speed        INTEGER,
	   orientation  INTEGER,
	   status       TEXT,
	   extras       JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trackings_device ON trackings (device_id, device_time)`,
	`CREATE TABLE IF NOT EXISTS events (
	   id          UUID PRIMARY KEY,
	   type        TEXT NOT NULL REFERENCES event_types(name),
	   device_id   TEXT NOT NULL,
	   tracking_id BIGINT REFERENCES trackings(id),
	   created_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_device ON events (device_id, created_at)`,
}

// NewPostgresStore 建立连接池并初始化表结构
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析 PostgreSQL 连接串失败: %w", err)
	}
	if poolConfig.MaxConns > 4 {
		poolConfig.MaxConns = 4
	}
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("创建连接池失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("连接 PostgreSQL 失败: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	for _, t := range inter.EventTypes {
		if _, err := pool.Exec(ctx,
			`INSERT INTO event_types (name, priority) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			string(t), t.Priority()); err != nil {
			pool.Close()
			return nil, fmt.Errorf("初始化事件类型失败: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveTracking(ctx context.Context, rec inter.TrackingRecord) (int64, error) {
	p := rec.Ping
	extras, err := encodeExtras(p)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO trackings (protocol_id, device_id, device_time, server_time, latitude, longitude, speed, orientation, status, extras)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		int16(p.ProtocolID), p.DeviceID, p.Timestamp, rec.ServerTime,
		p.Latitude, p.Longitude, p.Speed, p.Orientation, string(p.Status), extras,
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) SaveEvent(ctx context.Context, ev inter.Event, trackingID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, type, device_id, tracking_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, string(ev.Type), ev.DeviceID, nullableTracking(trackingID), ev.Timestamp,
	)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
