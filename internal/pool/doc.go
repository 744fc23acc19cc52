// Copyright (c) chguard Authors.
// Licensed under the MIT License.

/*
Package pool 提供 ClickHouse 连接句柄的有界空闲列表。

Acquire 命中时弹出最近归还的句柄，未命中时由调用方自行建连；Release 根据
句柄是否为池外新建决定归还或关闭；Prune 由健康监控周期调用，关闭空闲时间
超过回收阈值的句柄。所有空闲列表操作在同一把互斥锁下串行执行，关闭句柄
在锁外进行。
*/
package pool
