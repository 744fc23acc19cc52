// 版权所有 2026 chguard Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的健康报告缓存。

# 概述

依赖检查与一致性检查都需要访问 ClickHouse，HTTP 健康端点被频繁轮询时
会放大对存储的压力。Manager 把最近一次报告按 TTL 缓存在 Redis 中，
并用 singleflight 合并同一键的并发未命中。

# 核心类型

  - Manager：持有 go-redis 客户端，提供 Get/Set/GetJSON/SetJSON/Delete，
    以及 GetOrLoadJSON 读穿方法。所有键自动加上 key_prefix。
  - Stats：命中、未命中与 Redis 错误计数。

# 错误语义

GetOrLoadJSON 不向调用方暴露 Redis 错误：缓存读写失败只记录日志，
并退化为直接调用加载函数。ErrCacheMiss 与 IsCacheMiss 用于区分未命中。
*/
package cache
