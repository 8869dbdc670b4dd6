package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger 全局日志实例，Init 之前为 Nop
var Logger = zerolog.Nop()

// Config 日志配置
type Config struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Init 初始化全局日志
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent 创建带 component 字段的子日志
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDevice 创建带 device 字段的子日志
func WithDevice(component, identity string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("device", identity).Logger()
}
