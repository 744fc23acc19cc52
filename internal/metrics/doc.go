// 版权所有 2026 chguard Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的连接层指标采集能力。

# 概述

Collector 通过 promauto.With 注册到调用方给定的 Registry，
未指定时使用默认 Registry。所有指标按 namespace 隔离。

# 主要能力

  - 连接事件：建连尝试、成功、失败、重试、熔断打开、池命中与未命中，
    按 event 分组，与 connection.Metrics 计数器一一对应。
  - 状态 Gauge：连接状态与熔断器状态以 one-hot 方式导出。
  - 耗时 Histogram：单次建连、健康探测、受保护操作。
  - HTTP 指标：健康面请求数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 报告缓存命中率与定时审计结果。

Collector 的方法对 nil 接收者安全。
*/
package metrics
