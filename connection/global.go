package connection

import (
	"context"
	"sync"

	"github.com/BaSui01/chguard/config"
)

// 进程级单例：显式 Init / Teardown，而不是包级懒加载变量
var (
	globalMu sync.Mutex
	global   *Manager
)

// Init 创建进程级管理器。已初始化时直接返回现有实例，参数被忽略。
func Init(cfg config.ClickHouseConfig, dialer Dialer, opts ...Option) *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global == nil {
		global = New(cfg, dialer, opts...)
	}
	return global
}

// Default 返回进程级管理器，Init 之前为 nil
func Default() *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// Teardown 关闭并清除进程级管理器。未初始化时什么也不做。
func Teardown(ctx context.Context) error {
	globalMu.Lock()
	m := global
	global = nil
	globalMu.Unlock()

	if m == nil {
		return nil
	}
	return m.Shutdown(ctx)
}
