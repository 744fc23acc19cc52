// Copyright (c) chguard Authors.
// Licensed under the MIT License.

/*
Package retry 提供指数退避 + 随机抖动的重试策略。

Policy.ComputeDelay 是纯函数：第 n 次重试前等待
InitialDelay × ExponentialBase^(n-1)，超过 MaxDelay 时封顶，开启 Jitter 时
再叠加 ±20% 的均匀抖动。抖动发生在封顶之后，因此实际延迟最多可达
MaxDelay 的 1.2 倍。随机源可通过 WithRand 固定，便于测试。

Retryer 在 Policy 之上提供通用的重试循环，每次尝试都受 TimeoutPerAttempt
约束；用 ErrPermanent 包装的错误会立即终止重试。FromConfig 由
config.RetryConfig 构造策略，连接管理器与迁移器共用。
*/
package retry
