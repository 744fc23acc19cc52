// Copyright (c) chguard Authors.
// Licensed under the MIT License.

/*
Package main 提供 chguard 命令行程序入口。

# 概述

cmd/chguard 基于 cobra 组装 serve、check、migrate、version 四个子命令。
配置通过 --config 指定的 YAML 文件加载，并由环境变量覆盖；日志使用 zap。

# 核心类型

  - Server     — 组装连接管理器、报告缓存、定时审计与 HTTP / Metrics 双端口
  - options    — 子命令共享的依赖工厂（logger、Dialer、Migrator）
  - exitError  — 携带进程退出码的错误

# 主要能力

  - serve：执行启动检查后以降级或就绪状态提供健康面，--strict 时检查失败即退出
  - check：单次执行启动检查，输出 JSON 结果，未就绪时退出码为 1
  - migrate：up / down / steps / goto / force / version / status / info
  - 优雅关闭：信号监听 → 关闭 HTTP → 停止审计 → 关闭缓存 → 关闭连接 → 关闭 Metrics
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
