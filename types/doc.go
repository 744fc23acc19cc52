// Copyright (c) chguard Authors.
// Licensed under the MIT License.

/*
Package types 提供 chguard 的全局共享类型定义。

types 是最底层的公共包，不依赖任何内部包。目前只承载结构化错误体系：

  - Error / ErrorCode — 带错误码、Retryable 标记与 HTTP 状态码的错误类型

错误码覆盖连接层的完整错误分类：配置错误、连接错误、超时、熔断拒绝、
查询执行错误与服务不可用。所有错误均支持 errors.Is / errors.As 解包。
*/
package types
