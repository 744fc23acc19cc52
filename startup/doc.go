// Copyright (c) chguard Authors.
// Licensed under the MIT License.

/*
Package startup 提供服务启动时的 ClickHouse 依赖检查顺序。

# 概述

Sequencer 依次执行三步：建立连接、验证服务依赖、检查分析表一致性。
前两步失败视为依赖不可用，返回 false；一致性检查失败只记录警告，
启动仍视为成功。

宿主进程可以在返回 false 时继续以降级模式运行，由健康监控和
Reconnect 在之后恢复连接。
*/
package startup
