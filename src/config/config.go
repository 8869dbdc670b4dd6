package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 服务的全部配置项
type Config struct {
	TCP       TCPConfig       `mapstructure:"tcp"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Store     StoreConfig     `mapstructure:"store"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	NATS      NATSConfig      `mapstructure:"nats"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	Log       LogConfig       `mapstructure:"log"`
}

// TCPConfig 设备接入端口
type TCPConfig struct {
	Address           string        `mapstructure:"address"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	KeepAlivePeriod   time.Duration `mapstructure:"keepalive_period"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ReadBuffer        int           `mapstructure:"read_buffer"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

// DirectoryConfig 设备目录来源
// URL 为空时只使用 Devices 中的静态列表
type DirectoryConfig struct {
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Devices        []string      `mapstructure:"devices"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"` // sqlite | postgres | none
	DSN        string `mapstructure:"dsn"`
	QueueSize  int    `mapstructure:"queue_size"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type BroadcastConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults 写入默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("tcp.address", "0.0.0.0:5023")
	v.SetDefault("tcp.heartbeat_interval", 45*time.Second)
	v.SetDefault("tcp.idle_timeout", 60*time.Second)
	v.SetDefault("tcp.keepalive_period", 10*time.Second)
	v.SetDefault("tcp.stale_after", 5*time.Minute)
	v.SetDefault("tcp.sweep_interval", 5*time.Minute)
	v.SetDefault("tcp.read_buffer", 1024)

	v.SetDefault("http.address", "0.0.0.0:8080")

	v.SetDefault("directory.url", "")
	v.SetDefault("directory.timeout", 10*time.Second)
	v.SetDefault("directory.devices", []string{})
	v.SetDefault("directory.resync_interval", time.Duration(0))

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "./tracking.db")
	v.SetDefault("store.queue_size", 1024)
	v.SetDefault("store.max_retries", 3)

	v.SetDefault("broadcast.buffer", 64)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "gps.device")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "goster-gps")
	v.SetDefault("mqtt.topic_prefix", "gps/device")
	v.SetDefault("mqtt.qos", 0)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "gps.events")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Load 按 默认值 < 配置文件 < 环境变量 的优先级加载配置
// path 为空时不读取配置文件；当前目录下存在 .env 时先载入环境变量
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("GOSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	// 环境变量中的列表以逗号分隔
	if len(cfg.Directory.Devices) == 1 && strings.Contains(cfg.Directory.Devices[0], ",") {
		cfg.Directory.Devices = strings.Split(cfg.Directory.Devices[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置的合法性
func (c *Config) Validate() error {
	var errs []error

	if c.TCP.Address == "" {
		errs = append(errs, errors.New("tcp.address 不能为空"))
	}
	for name, d := range map[string]time.Duration{
		"tcp.heartbeat_interval": c.TCP.HeartbeatInterval,
		"tcp.idle_timeout":       c.TCP.IdleTimeout,
		"tcp.stale_after":        c.TCP.StaleAfter,
		"tcp.sweep_interval":     c.TCP.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s 必须大于 0", name))
		}
	}
	if c.TCP.ReadBuffer <= 0 {
		errs = append(errs, errors.New("tcp.read_buffer 必须大于 0"))
	}

	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		errs = append(errs, fmt.Errorf("不支持的 store.driver: %q", c.Store.Driver))
	}
	if c.Store.Driver != "none" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn 不能为空"))
	}
	if c.Store.QueueSize <= 0 {
		errs = append(errs, errors.New("store.queue_size 必须大于 0"))
	}
	if c.Broadcast.Buffer <= 0 {
		errs = append(errs, errors.New("broadcast.buffer 必须大于 0"))
	}
	if c.AMQP.URL != "" && c.AMQP.Exchange == "" {
		errs = append(errs, errors.New("amqp.exchange 不能为空"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos 只能是 0, 1 或 2"))
	}

	return errors.Join(errs...)
}
