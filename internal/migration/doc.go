// 版权所有 2026 chguard Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 ClickHouse 分析表的 Schema 迁移，基于 golang-migrate 实现。

# 概述

迁移文件以 embed.FS 内嵌在 migrations/clickhouse 下，创建一致性检查
所验证的 analytics_* 表。数据库驱动使用 golang-migrate 的 clickhouse
驱动，底层 *sql.DB 由 clickhouse-go 的 OpenDB 构造，连接参数与
连接管理器共用同一份 ClickHouseConfig。

# 核心接口与类型

  - Migrator：迁移器接口，定义 Up/Down/Steps/Goto/Force/Version/
    Status/Info/Close。
  - DefaultMigrator：Migrator 的默认实现。ctx 取消时通过 GracefulStop
    让 golang-migrate 在当前迁移完成后停止。
  - NewWithDriver：基于任意 golang-migrate 数据库驱动创建迁移器。
  - NewMigratorFromConfig：从应用配置创建连接 ClickHouse 的迁移器，
    建驱动前按重试策略 ping 数据库。
  - CLI：面向终端的格式化输出，供 chguard migrate 子命令使用。
*/
package migration
