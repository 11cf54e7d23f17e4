package cmd

import (
	"github.com/spf13/cobra"

	"LinguaFM/config"
	"LinguaFM/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动LinguaFM服务器",
	Long:  `启动音频预生成与同步播放服务：HTTP API、WebSocket 播放同步、后台生成工作池。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		initLogger(cfg)
		server.Start(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
