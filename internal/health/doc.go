// Copyright (c) chguard Authors.
// Licensed under the MIT License.

// Package health 提供连接管理器使用的后台健康监控循环。
//
// Monitor 只负责调度：等待、执行回调、吞掉错误与 panic 并继续下一轮。
// 探测与连接池清理由调用方在 TickFunc 中完成。
package health
