// Copyright (c) AgentCanvas Authors. Licensed under the MIT License.

/*
Package testutil 提供 AgentCanvas 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供上下文、异步等待与临时文件等
共享辅助，断言统一使用 testify。

# 核心能力

  - 上下文: TestContext，测试结束时自动取消
  - 异步等待: Eventually / WaitForChannel / DrainChannel，
    CollectUntil 用于读取运行事件流直到 run_complete
  - 文件: WriteFile，写入工作流定义与配置文件

# 子包

  - testutil/mocks: MockGenerationClient，支持按节点响应、延迟、
    闸门阻塞与错误注入，并记录每次调用
  - testutil/fixtures: 工作流定义工厂（线性链、决策分支、文件节点）
    与运行记录样例

fixtures 依赖 workflow 包，workflow 包内部测试不能导入它，
只能在外部测试包（workflow_test）或上层包中使用。

# 使用示例

	ctx := testutil.TestContext(t)
	client := mocks.NewMockGenerationClient().WithNodeResponse("route", "Yes")
	engine := workflow.NewEngine(fixtures.DecisionWorkflow(), client)
	rec, err := engine.Run(ctx)
*/
package testutil
