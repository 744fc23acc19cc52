// Copyright (c) chguard Authors.
// Licensed under the MIT License.

// Package config 提供 chguard 的配置加载与校验。
//
// 加载顺序为默认值、YAML 文件、CHGUARD_ 前缀环境变量，最后是部署脚本沿用的
// CLICKHOUSE_HOST / CLICKHOUSE_PORT / CLICKHOUSE_USER / CLICKHOUSE_PASSWORD /
// CLICKHOUSE_DATABASE。ClickHouseConfig.ValidateConnection 在任何建连之前
// 检查必填项，缺失时返回 CONFIG_ERROR。
package config
