/*
Package chclient 定义分析存储（ClickHouse）的外部客户端契约：

  - Conn：可释放的连接句柄，支持 Ping / Query / Exec / Close
  - Dialer：客户端工厂，OpenDirect 返回一条不经过管理器的原始连接

NativeDialer 是基于 clickhouse-go 原生协议的生产实现；测试使用
testutil/mocks 中的脚本化实现。
*/
package chclient
