package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// 版本信息 (构建时通过 ldflags 注入)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "goster-gps",
	Short: "Goster-GPS 车载定位终端接入服务",
	Long: `Goster-GPS 接收 GT06 系列定位终端的 TCP 长连接，
解码定位数据，经过质量过滤后推导设备状态与事件，
并实时广播给 websocket / NATS / MQTT / AMQP 订阅者。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"goster-gps %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径 (yaml/json/toml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute 执行命令行
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "goster-gps %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}
