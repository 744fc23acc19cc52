// Copyright (c) chguard Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 chguard HTTP 健康面的请求处理器与路由。

# 概述

handlers 包把 connection.Manager 的状态、依赖检查与一致性检查暴露为
HTTP 端点，路由基于 chi，所有响应使用统一 JSON 信封。

# 核心类型

  - HealthHandler      — 探针、连接快照、依赖 / 一致性报告与强制重连
  - ConnectionService  — HealthHandler 依赖的连接管理器能力
  - ReportCache        — 报告缓存接口，由 internal/cache 实现
  - Response           — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo          — 结构化错误信息，含 code、message、retryable 标记

# 主要能力

  - NewRouter 组装路由并挂载 RequestID、RealIP、请求日志、指标与 panic 恢复中间件
  - 依赖 / 一致性报告可经 Redis 按 TTL 缓存，响应头 X-Cache 标明命中
  - 强制重连由 golang.org/x/time/rate 限速，超限返回 429
  - HTTPStatusFor 把 ErrorCode 映射为 HTTP 状态码，显式状态优先
  - 中间件通过 chi 的 WrapResponseWriter 获取响应状态码
*/
package handlers
