// Copyright (c) chguard Authors.
// Licensed under the MIT License.

/*
Package circuitbreaker 提供三态熔断器（closed / open / half_open）。

# 状态转换

  - closed → open：连续失败次数达到 FailureThreshold
  - open → half_open：距最后一次失败超过 RecoveryTimeout 后的第一次 CanExecute
  - half_open → closed：任意一次成功
  - half_open → open：任意一次失败

半开状态下最多放行 HalfOpenMaxCalls 个试探调用。熔断器本身不执行调用，
由调用方通过 CanExecute 做门控，再用 RecordSuccess / RecordFailure 回报结果；
Call 与 CallTyped 把这三步封装为一次调用。
*/
package circuitbreaker
