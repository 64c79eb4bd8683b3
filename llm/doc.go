// 版权所有 2025 FireBox Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义 FireBox 的统一模型层:

  - Message / CompletionRequest / CompletionResponse — 后端无关的聊天请求与响应
  - EmbeddingRequest / EmbeddingResponse — 向量计算
  - StreamEvent — 流式事件 (Delta / Done / Error)
  - Provider — 所有后端适配器实现的统一接口
  - Error / ErrorCode — 跨后端的错误分类与可重试标记

具体后端适配见 llm/providers 子包；别名路由见 llm/router；
重试引擎见 llm/retry；档案管理见 llm/profile。
*/
package llm
