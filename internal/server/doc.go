// 版权所有 2025 FireBox Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供本地调试 HTTP 监听端点，暴露指标与健康检查，
支持非阻塞启动、优雅关闭与系统信号监听。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务、
关闭与错误传播流程；DebugHandler 聚合调试路由。监听端点默认
仅绑定回环接口，供本机运维工具抓取。

# 核心类型

  - Manager：监听端点管理器，持有 http.Server、net.Listener
    与异步错误通道，提供 Start/Shutdown/WaitForShutdown 等
    生命周期方法。
  - DebugHandler：调试路由，/metrics 由 promhttp 导出
    Prometheus 指标，/healthz 返回进程健康状态，/usage 返回
    进程内用量快照。
  - Config：监听地址、读写超时、空闲超时与优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务，主线程不阻塞。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空与连接释放。
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM，收到信号后
    自动触发优雅关闭流程。
  - 错误传播：Errors() 返回异步错误通道，供调用方监控服务异常。
  - 请求指标：DebugHandler 把每次调试请求镜像到 Prometheus
    HTTP 指标。
*/
package server
