// 版权所有 2026 chguard Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动与优雅关闭。

# 概述

chguard 同时运行两个 HTTP 服务器：API 端口上的健康端点，以及
指标端口上的 Prometheus /metrics。两者都由 Manager 封装，
WaitForShutdown 统一等待 SIGINT/SIGTERM 或任一服务器异常退出。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/Shutdown/Errors/Addr/IsRunning。
  - Config：监听地址、读写与空闲超时、最大请求头大小与优雅关闭超时；
    FromServerConfig 从应用配置构造。
*/
package server
