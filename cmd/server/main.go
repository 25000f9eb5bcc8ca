// Package main 是应用程序的入口点。
package main

import (
	"os"

	"fastdrop-go/internal/config"
	"fastdrop-go/pkg/log"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli 保存所有子命令共享的全局参数。
type cli struct {
	configPath string
	cfg        config.Config
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "fastdrop",
		Short: "Chunked upload ingestion service.",
		Long: `fastdrop 接收分片上传的文件，按序号合并、校验 SHA-256 后落盘，
并维护每个用户的存储配额。serve 启动 HTTP 服务，其余子命令用于运维。`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// 1. 初始化配置
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			config.Conf = cfg

			// 2. 初始化日志记录器
			log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "./configs/config.yaml", "配置文件路径")

	root.AddCommand(newServeCommand(c))
	root.AddCommand(newQuotaCommand(c))
	root.AddCommand(newPurgeCommand(c))
	root.AddCommand(newPurgeAuditCommand(c))
	root.AddCommand(newImportCommand(c))
	root.AddCommand(newTokenCommand(c))
	return root
}
