package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:5023", cfg.TCP.Address)
	assert.Equal(t, 45*time.Second, cfg.TCP.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.TCP.IdleTimeout)
	assert.Equal(t, 5*time.Minute, cfg.TCP.StaleAfter)
	assert.Equal(t, 5*time.Minute, cfg.TCP.SweepInterval)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 64, cfg.Broadcast.Buffer)
	assert.Equal(t, "gps.events", cfg.AMQP.Exchange)
	assert.Empty(t, cfg.Directory.Devices)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "goster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tcp:
  address: 127.0.0.1:6000
  stale_after: 2m
store:
  driver: postgres
  dsn: postgres://gps@localhost/gps
mqtt:
  broker: tcp://localhost:1883
  qos: 1
`), 0o600))

	t.Setenv("GOSTER_TCP_ADDRESS", "127.0.0.1:7000")
	t.Setenv("GOSTER_DIRECTORY_DEVICES", "358899050000001,358899050000002")
	t.Setenv("GOSTER_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	// 环境变量优先于配置文件
	assert.Equal(t, "127.0.0.1:7000", cfg.TCP.Address)
	assert.Equal(t, 2*time.Minute, cfg.TCP.StaleAfter)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"358899050000001", "358899050000002"}, cfg.Directory.Devices)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GOSTER_HTTP_ADDRESS=127.0.0.1:9090\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("GOSTER_HTTP_ADDRESS") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Address)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"EmptyAddress", func(c *Config) { c.TCP.Address = "" }, "tcp.address"},
		{"ZeroHeartbeat", func(c *Config) { c.TCP.HeartbeatInterval = 0 }, "tcp.heartbeat_interval"},
		{"ZeroIdle", func(c *Config) { c.TCP.IdleTimeout = 0 }, "tcp.idle_timeout"},
		{"UnknownDriver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"EmptyDSN", func(c *Config) { c.Store.DSN = "" }, "store.dsn"},
		{"BadQoS", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"AMQPWithoutExchange", func(c *Config) { c.AMQP.URL = "amqp://localhost"; c.AMQP.Exchange = "" }, "amqp.exchange"},
		{"ZeroBuffer", func(c *Config) { c.Broadcast.Buffer = 0 }, "broadcast.buffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}

	t.Run("NoneDriverWithoutDSN", func(t *testing.T) {
		c := *base
		c.Store.Driver = "none"
		c.Store.DSN = ""
		assert.NoError(t, c.Validate())
	})
}
