// Copyright (c) chguard Authors.
// Licensed under the MIT License.

// Package audit 周期性地执行分析表一致性检查。
//
// Scheduler 基于 robfig/cron，使用 SkipIfStillRunning 保证同一时间只有一轮
// 审计在运行，结果写入 Prometheus 计数器并保留最近一次报告供 HTTP 端点读取。
package audit
