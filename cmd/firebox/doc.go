// 版权所有 2025 FireBox Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 FireBox 后台服务程序入口。

# 概述

cmd/firebox 是 FireBox 本地 AI 中介服务的可执行入口，提供服务启动、
健康检查、Provider 列表与版本查询等子命令。程序支持 YAML 配置文件
加载、环境变量覆盖与结构化日志（zap）。

# 主要能力

  - 子命令：serve（启动服务）、providers（列出 Provider）、
    version、health
  - 启动流程：配置 → 日志 → 加密存储/密钥 → 遗留凭据迁移 →
    路由加载 → 可选调试监听端点 → 信号等待
  - 调试监听端点：可选的回环 HTTP 服务，暴露 /metrics（Prometheus）、
    /healthz 与 /usage
  - 优雅关闭：SIGINT/SIGTERM 触发监听端点排空与退出
  - 构建注入：BuildTime、GitCommit 通过 ldflags 设置
*/
package main
