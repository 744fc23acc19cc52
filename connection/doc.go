// Copyright (c) chguard Authors.
// Licensed under the MIT License.

/*
Package connection 提供守护 ClickHouse 访问的连接管理器。

# 概述

Manager 组合四个部件：

  - circuitbreaker.CircuitBreaker：连续失败达到阈值后拒绝新的建连与操作
  - retry.Policy：建连重试的指数退避与抖动
  - 内部连接池：有界空闲列表，按回收时间清理
  - 内部健康监控：周期探测连接并清理连接池

# 连接获取

外部客户端工厂只有 OpenDirect 一个入口，绕过管理器的池化与重试；
GetConnection / WithConnection 是受管理器策略约束的入口。池未命中时新建的
连接在归还时关闭，只有建连成功时放入的预热连接会在池中复用。

# 错误传播

Initialize、ConnectWithRetry、ValidateServiceDependencies、
EnsureAnalyticsConsistency 不返回错误，结果写入 Health 或结构化报告。
GetConnection、WithConnection、ExecuteWithRetry 返回 *types.Error，
错误码区分配置错误、连接错误、超时、熔断拒绝与查询错误。

# 进程级实例

Init / Default / Teardown 管理进程内唯一的 Manager。
*/
package connection
