// 版权所有 2025 FireBox Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供请求用量统计与基于 Prometheus 的指标采集能力。

# 概述

本包包含两层指标：Usage 以原子计数器聚合 LLM 请求用量
（请求数、Token 用量、平均延迟、成本），供快照查询接口使用；
Collector 通过 promauto 导出 Prometheus 指标，由调试监听端点
的 /metrics 抓取。Usage 可以配置为把每次记录镜像到 Collector。

# 核心类型

  - Usage：进程内用量收集器，全局计数为原子操作，
    按 provider:model 细分的计数在读写锁保护下惰性创建。
  - RequestTimer：单次请求计时器，未显式记录结果时按失败入账。
  - Collector：Prometheus 指标收集器，覆盖 HTTP 与 LLM 两个维度。
  - Snapshot / ProviderMetrics：快照查询的返回结构。

# 主要能力

  - 用量统计：成功/失败请求数、prompt/completion Token 总量、
    平均延迟（整数毫秒截断）、成本（内部以 1/100 美分存储）。
  - 细分查询：按 provider/model 返回请求与用量细分。
  - Prometheus 导出：请求总数、耗时直方图、Token 用量、
    调用成本，按 provider/model/status 分组。
*/
package metrics
