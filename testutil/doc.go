// Copyright (c) chguard Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 chguard 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现
时钟、上下文与临时文件等测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 时间辅助: FakeClock 手动推进时钟，WaitFor 轮询等待条件
  - 数据工具: WriteTempFile / MustJSON / MustParseJSON / AssertJSONEqual

# 子包

  - testutil/mocks: MockConn 与 MockDialer，模拟 ClickHouse 连接，
    支持 Builder 模式、查询前缀应答与错误注入
  - testutil/fixtures: system.tables、DESCRIBE TABLE、count() 的预置
    结果行，以及带分析表的模拟连接与 Dialer

# 使用示例

	dialer := fixtures.AnalyticsDialer(42, "analytics_events")
	m := connection.New(cfg, dialer)
	ok := m.Initialize(testutil.TestContext(t))
*/
package testutil
