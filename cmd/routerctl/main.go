// routerctl 稳定币路由服务的运维命令行工具
// 查询路由排序、跟踪报价会话、查看市场数据与聚合器状态
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// options 全局参数
type options struct {
	server  string
	timeout time.Duration
	noColor bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("错误: %v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "routerctl",
		Short:         "稳定币路由服务运维工具",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	defaultServer := os.Getenv("ROUTERCTL_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "服务地址 (ROUTERCTL_SERVER)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "单次请求超时")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "关闭彩色输出")

	root.AddCommand(
		newRoutesCmd(opts),
		newSessionCmd(opts),
		newMarketCmd(opts),
		newProvidersCmd(opts),
	)
	return root
}
