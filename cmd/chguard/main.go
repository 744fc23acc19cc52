// =============================================================================
// chguard 主入口
// =============================================================================
// ClickHouse 连接守护服务：健康面 HTTP、Prometheus 指标、启动检查与表结构迁移
//
// 使用方法:
//
//	chguard serve                       # 启动服务
//	chguard serve --config config.yaml  # 指定配置文件
//	chguard check                       # 执行一次启动检查并输出 JSON
//	chguard migrate up                  # 运行分析表迁移
//	chguard migrate down                # 回滚最后一次迁移
//	chguard migrate status              # 查看迁移状态
//	chguard version                     # 显示版本信息
// =============================================================================

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/BaSui01/chguard/internal/telemetry"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	telemetry.SetVersion(Version)

	if err := newRootCmd(defaultOptions()).Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitError 以指定退出码结束进程，不再打印错误信息
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
